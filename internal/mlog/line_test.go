package mlog_test

import (
	"strings"

	. "github.com/procflow/continuum/internal/mlog"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var entries = []TableEntry{
	Entry(
		"renders a standard log message",
		"= 123  ∴ 456  ▼ ↻  <foo> ● <bar>",
		Line{
			IDs: []IconWithLabel{
				ContinuationIDIcon.WithLabel("123"),
				EntityIcon.WithLabel("456"),
			},
			Icons: []Icon{DispatchIcon, RetryIcon},
			Text:  []string{"<foo>", "<bar>"},
		},
	),
	Entry(
		"renders a hyphen in place of empty labels",
		"= 123  ∴ -  ▼ ↻  <foo> ● <bar>",
		Line{
			IDs: []IconWithLabel{
				ContinuationIDIcon.WithLabel("123"),
				EntityIcon.WithLabel(""),
			},
			Icons: []Icon{DispatchIcon, RetryIcon},
			Text:  []string{"<foo>", "<bar>"},
		},
	),
	Entry(
		"pads empty icons to the same width",
		"= 123  ∴ 456  ▼    <foo> ● <bar>",
		Line{
			IDs: []IconWithLabel{
				ContinuationIDIcon.WithLabel("123"),
				EntityIcon.WithLabel("456"),
			},
			Icons: []Icon{DispatchIcon, ""},
			Text:  []string{"<foo>", "<bar>"},
		},
	),
	Entry(
		"skips empty text",
		"= 123  ∴ 456  ▼ ↻  <foo> ● <bar>",
		Line{
			IDs: []IconWithLabel{
				ContinuationIDIcon.WithLabel("123"),
				EntityIcon.WithLabel("456"),
			},
			Icons: []Icon{DispatchIcon, RetryIcon},
			Text:  []string{"<foo>", "", "<bar>"},
		},
	),
}

var _ = DescribeTable(
	"func String()",
	func(expected string, l Line) {
		Expect(l.String()).To(Equal(expected))
	},
	entries,
)

var _ = DescribeTable(
	"func WriteTo()",
	func(expected string, l Line) {
		w := &strings.Builder{}

		n, err := l.WriteTo(w)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(len(expected)))

		Expect(w.String()).To(Equal(expected))
	},
	entries,
)
