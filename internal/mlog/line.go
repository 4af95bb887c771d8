package mlog

import (
	"io"
	"strings"

	"github.com/dogmatiq/iago/must"
)

// Line is a single structured log line.
//
// It is rendered as the labelled IDs, followed by the status icons, followed
// by the text fragments separated by SeparatorIcon.
type Line struct {
	IDs   []IconWithLabel
	Icons []Icon
	Text  []string
}

func (l Line) String() string {
	w := &strings.Builder{}
	l.mustWrite(w)
	return w.String()
}

// WriteTo writes the log line to w.
func (l Line) WriteTo(w io.Writer) (n int64, err error) {
	defer must.Recover(&err)
	return int64(l.mustWrite(w)), nil
}

func (l Line) mustWrite(w io.Writer) (n int) {
	for _, v := range l.IDs {
		n += must.WriteTo(w, v)
		n += must.Write(w, space2)
	}

	for _, v := range l.Icons {
		n += must.WriteTo(w, v)
		n += must.Write(w, space1)
	}

	i := 0
	for _, v := range l.Text {
		if v == "" {
			continue
		}

		n += must.Write(w, space1)

		if i > 0 {
			n += must.WriteTo(w, SeparatorIcon)
			n += must.Write(w, space1)
		}

		n += must.WriteString(w, v)
		i++
	}

	return
}

var (
	space1 = []byte{' '}
	space2 = []byte{' ', ' '}
)
