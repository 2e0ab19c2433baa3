package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/meta"
	"skyvault/pkg/skylink"

	"github.com/dustin/go-humanize"
)

// PrintMetadata 打印文件元数据，多文件上传时附带子文件表
func PrintMetadata(w io.Writer, md *core.Metadata) error {
	fmt.Fprintf(w, "Filename: %s\n", md.Filename)
	fmt.Fprintf(w, "Size:     %s (%d bytes)\n", humanize.IBytes(uint64(md.Length)), md.Length)
	if md.DefaultPath != "" {
		fmt.Fprintf(w, "Default:  %s\n", md.DefaultPath)
	}
	if len(md.Subfiles) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n")
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "OFFSET\tSIZE\tTYPE\tNAME\n")
	for _, sf := range md.SortedSubfiles() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", sf.Offset, humanize.IBytes(uint64(sf.Len)), orDash(sf.ContentType), sf.Filename)
	}
	return tw.Flush()
}

// PrintSkylink 打印 skylink 的解码结果
func PrintSkylink(w io.Writer, link skylink.Skylink) error {
	fmt.Fprintf(w, "Skylink:  %s\n", link)
	fmt.Fprintf(w, "Version:  %d\n", link.Version())
	fmt.Fprintf(w, "Bitfield: %#04x\n", link.Bitfield())
	fmt.Fprintf(w, "Root:     %s\n", link.MerkleRoot())
	if link.Version() != skylink.V1 {
		return nil
	}
	off, length, err := link.OffsetAndLength()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Offset:   %d\n", off)
	fmt.Fprintf(w, "Length:   %s (%d bytes)\n", humanize.IBytes(length), length)
	return nil
}

// PrintUploads 以表格形式打印账本记录
func PrintUploads(w io.Writer, recs []meta.UploadRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SKYLINK\tSIZE\tWHEN\tPORTAL\tNAME\n")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Skylink, humanize.IBytes(uint64(r.Size)), humanize.RelTime(r.CreatedAt, now, "ago", "from now"), r.Portal, r.Filename)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
