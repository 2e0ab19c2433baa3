package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// 表单字段名
const (
	FieldFile  = "file"
	FieldFiles = "files[]"
)

// Part 是上传中的一个文件
// Open 每次尝试都会被调用一次，必须返回从头开始的新 Reader。
type Part struct {
	Filename    string
	ContentType string
	Open        func() io.Reader
}

// Upload 描述一次上传请求
// Directory 为 true 时按多文件上传编码: 每个子文件一个 files[] 字段，Filename 作为目录名。
type Upload struct {
	Filename    string
	DefaultPath string
	Directory   bool
	Parts       []Part
}

// UploadResponse 是 portal 上传成功后的 JSON 响应
type UploadResponse struct {
	Skylink    string `json:"skylink"`
	MerkleRoot string `json:"merkleroot,omitempty"`
	Bitfield   uint16 `json:"bitfield"`
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// AttemptUpload 以流式 multipart 请求执行一次上传
// 请求体通过 io.Pipe 边读边写，内存占用与文件大小无关。
func (s *Session) AttemptUpload(ctx context.Context, u Upload) Result {
	start := time.Now()
	if len(u.Parts) == 0 {
		return Result{Portal: s.Name(), Outcome: Permanent, Err: errors.New("upload has no parts")}
	}

	query := url.Values{}
	if u.Directory {
		query.Set("filename", u.Filename)
		if u.DefaultPath != "" {
			query.Set("defaultpath", u.DefaultPath)
		}
	}

	pr, pw := io.Pipe()
	// 请求提前结束时解除写端阻塞
	defer pr.Close()

	mw := multipart.NewWriter(pw)
	go func() {
		err := writeParts(mw, u)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := s.newRequest(ctx, http.MethodPost, UploadPath, query, pr)
	if err != nil {
		return Result{Portal: s.Name(), Outcome: Permanent, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, res := s.do(req, start)
	if resp == nil {
		return res
	}
	defer resp.Body.Close()

	var out UploadResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, errorBodyLimit)).Decode(&out)
	res.Elapsed = time.Since(start)
	if err != nil || out.Skylink == "" {
		// 响应不完整: 可能是连接中断
		res.Outcome = Retryable
		res.Err = fmt.Errorf("%w: cannot decode upload response: %v", ErrBadResponse, err)
		return res
	}
	res.Skylink = out.Skylink
	return res
}

func writeParts(mw *multipart.Writer, u Upload) error {
	field := FieldFile
	if u.Directory {
		field = FieldFiles
	}
	for _, p := range u.Parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(field), quoteEscaper.Replace(p.Filename)))
		if p.ContentType != "" {
			h.Set("Content-Type", p.ContentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, payloadReader{p.Open()}); err != nil {
			return err
		}
	}
	return nil
}

// payloadReader 把本地读取错误标记为 ErrPayload，与网络错误区分开
type payloadReader struct{ r io.Reader }

func (p payloadReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return n, err
}
