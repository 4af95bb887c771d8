package providertest

import (
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/procflow/continuum/persistence"
)

func declareProviderTests(tc *TestContext) {
	ginkgo.Describe("type Provider (interface)", func() {
		ginkgo.Describe("func Open()", func() {
			ginkgo.It("allows repeat calls", func() {
				p, close := tc.Out.NewProvider()
				if close != nil {
					defer close()
				}

				ds1, err := p.Open(tc.Context)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds1.Close()

				ds2, err := p.Open(tc.Context)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds2.Close()
			})

			ginkgo.It("returns data-stores that share the same data", func() {
				p, close := tc.Out.NewProvider()
				if close != nil {
					defer close()
				}

				ds1, err := p.Open(tc.Context)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds1.Close()

				ds2, err := p.Open(tc.Context)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds2.Close()

				persist(
					tc.Context,
					ds1,
					persistence.SaveContinuation{
						Continuation: newDescriptor("<tenant>", "<id>", tc.In.Now),
					},
				)

				d := loadContinuation(tc.Context, ds2, "<tenant>", "<id>")
				gomega.Expect(d.Revision).To(gomega.BeEquivalentTo(1))
			})
		})
	})
}
