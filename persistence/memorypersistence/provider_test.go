package memorypersistence_test

import (
	"context"

	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/internal/providertest"
	. "github.com/procflow/continuum/persistence/memorypersistence"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Provider", func() {
	providertest.Declare(
		func(ctx context.Context, in providertest.In) providertest.Out {
			return providertest.Out{
				NewProvider: func() (persistence.Provider, func()) {
					return &Provider{}, nil
				},
			}
		},
		nil,
	)

	Describe("func Open()", func() {
		It("returns an error if the context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			p := &Provider{}
			_, err := p.Open(ctx)
			Expect(err).To(Equal(context.Canceled))
		})
	})
})
