package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"skyvault/pkg/core"
	"skyvault/pkg/dirpack"
	"skyvault/pkg/ingester"
	"skyvault/pkg/portal"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"
)

// UploadResult 是一次成功上传的结果
type UploadResult struct {
	OperationID string
	Skylink     skylink.Skylink
	Root        types.Hash
	Metadata    core.Metadata
	Portal      string
	Attempts    []Attempt
}

// Upload 上传一个文件 (或带子文件表的内容)
// 本地先算出期望的 skylink，portal 报告的 skylink 必须与之相同。
func (c *Client) Upload(ctx context.Context, in ingester.Input) (*UploadResult, error) {
	op := c.begin("upload", slog.String("filename", in.Filename), slog.Int64("size", in.Size))
	ctx, cancel := c.withCeiling(ctx)
	defer cancel()

	// 1. Planning: 本地计算 Root
	m, err := c.ing.Ingest(ctx, in)
	if err != nil {
		return nil, op.fail(ctx, err)
	}
	op.log.Debug("upload planned",
		slog.String("skylink", m.Skylink.String()),
		slog.Int64("leaves", m.Plan.NumLeaves()),
	)

	// 2. Attempting
	op.transition(Attempting)
	req := uploadRequest(m)
	res, err := c.try(ctx, op, "skyfile", nil,
		func(actx context.Context, s *portal.Session) portal.Result {
			return s.AttemptUpload(actx, req)
		},
		func(res portal.Result) error {
			return checkReportedSkylink(m.Skylink, res.Skylink)
		},
	)
	if err != nil {
		return nil, op.fail(ctx, err)
	}

	// 3. Done
	out := &UploadResult{
		OperationID: op.id,
		Skylink:     m.Skylink,
		Root:        m.Root,
		Metadata:    m.Metadata,
		Portal:      res.Portal,
		Attempts:    op.Attempts(),
	}
	op.done(slog.String("skylink", m.Skylink.String()), slog.String("portal", res.Portal))
	if c.opts.OnUpload != nil {
		c.opts.OnUpload(ctx, out)
	}
	return out, nil
}

// UploadBytes 上传内存中的数据
func (c *Client) UploadBytes(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	return c.Upload(ctx, ingester.Input{
		Filename: filename,
		Content:  bytes.NewReader(data),
		Size:     int64(len(data)),
	})
}

// UploadFile 流式上传本地文件，文件名使用路径的最后一段
func (c *Client) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return c.Upload(ctx, ingester.Input{
		Filename: filepath.Base(path),
		Content:  f,
		Size:     st.Size(),
	})
}

// UploadDirectory 把目录作为多文件 skyfile 上传
func (c *Client) UploadDirectory(ctx context.Context, dir string, opts dirpack.Options) (*UploadResult, error) {
	p, err := dirpack.Build(dir, opts)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, p.Input())
}

// uploadRequest 把上传清单转换为 multipart 请求描述
// 多文件时按 offset 顺序每个子文件一个部分。
func uploadRequest(m *ingester.Manifest) portal.Upload {
	in := m.Input
	if len(m.Metadata.Subfiles) == 0 {
		return portal.Upload{
			Filename: in.Filename,
			Parts:    []portal.Part{{Filename: in.Filename, Open: m.Reader}},
		}
	}

	u := portal.Upload{
		Filename:    in.Filename,
		DefaultPath: in.DefaultPath,
		Directory:   true,
	}
	for _, sf := range m.Metadata.SortedSubfiles() {
		u.Parts = append(u.Parts, portal.Part{
			Filename:    sf.Filename,
			ContentType: sf.ContentType,
			Open: func() io.Reader {
				return io.NewSectionReader(in.Content, sf.Offset, sf.Len)
			},
		})
	}
	return u
}

func checkReportedSkylink(expected skylink.Skylink, reported string) error {
	got, err := skylink.Parse(reported)
	if err != nil {
		return fmt.Errorf("%w: unparsable skylink %q: %v", ErrPortalIntegrityViolation, reported, err)
	}
	if got != expected {
		return fmt.Errorf("%w: portal reported %s, expected %s", ErrPortalIntegrityViolation, got, expected)
	}
	return nil
}
