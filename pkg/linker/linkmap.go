package linker

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// PrintMap writes the link map: the sections that were dropped, then
// every output chunk with the input sections it holds.
func PrintMap(ctx *Context, w io.Writer) {
	var dropped []*InputSection
	dropped = append(dropped, ctx.Collected...)
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec != nil && isec.Discarded {
				dropped = append(dropped, isec)
			}
		}
	}

	if len(dropped) > 0 {
		fmt.Fprintln(w, "Discarded input sections")
		fmt.Fprintln(w)
		t := newMapTable(w, []string{"Section", "Size", "Reason"})
		for _, isec := range dropped {
			reason := "gc"
			if isec.Discarded {
				reason = "discarded"
			}
			t.Append([]string{isec.String(), humanize.IBytes(isec.Size), reason})
		}
		t.Render()
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Memory map")
	fmt.Fprintln(w)
	t := newMapTable(w, []string{"VMA", "Offset", "Size", "Align", "Out", "In"})
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		t.Append([]string{
			fmt.Sprintf("%x", shdr.Addr),
			fmt.Sprintf("%x", shdr.Offset),
			humanize.IBytes(shdr.Size),
			fmt.Sprint(max(shdr.AddrAlign, 1)),
			chunk.GetName(),
			"",
		})

		osec, ok := chunk.(*OutputSection)
		if !ok {
			continue
		}
		for _, isec := range osec.Members {
			t.Append([]string{
				fmt.Sprintf("%x", isec.GetAddr()),
				fmt.Sprintf("%x", shdr.Offset+isec.Offset),
				humanize.IBytes(isec.Size),
				fmt.Sprint(isec.AddrAlign),
				"",
				isec.String(),
			})
		}
	}
	t.Render()
}

func newMapTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}
