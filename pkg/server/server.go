package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"time"

	"skyvault/pkg/core"
	"skyvault/pkg/ingester"
	"skyvault/pkg/portal"
	"skyvault/pkg/skylink"
	"skyvault/pkg/storage"

	"github.com/goccy/go-json"
)

// DefaultMaxUploadSize 限制单次上传的大小 (开发用 portal，整个文件放在内存中)
const DefaultMaxUploadSize = 1 << 30

// Options 配置开发用 portal
type Options struct {
	// LeafSize 必须与客户端一致
	LeafSize      int64
	APIKey        string
	MaxUploadSize int64
	Logger        *slog.Logger
}

// Server 实现 portal 的 HTTP 协议，数据保存在 storage.Store 中
type Server struct {
	store storage.Store
	ing   *ingester.Ingester
	opts  Options
	log   *slog.Logger
}

func New(store storage.Store, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		store: store,
		ing:   ingester.NewIngester(opts.LeafSize),
		opts:  opts,
		log:   opts.Logger,
	}
}

// Handler 返回带日志与恢复中间件的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+portal.UploadPath, s.handleUpload)
	// GET 模式同时匹配 HEAD
	mux.HandleFunc("GET /{skylink}", s.handleDownload)

	var h http.Handler = mux
	h = s.requireAPIKey(h)
	h = RecoveryMiddleware(s.log, h)
	h = LoggingMiddleware(s.log, h)
	return h
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.opts.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(portal.HeaderAPIKey) != s.opts.APIKey {
			http.Error(w, "missing or invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// 1. Upload
// =============================================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)

	in, content, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 1. 与客户端相同的方式计算 skylink
	m, err := s.ing.Ingest(r.Context(), in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 2. 持久化
	sf, err := core.NewSkyfile(m.Metadata, content, s.ing.LeafSize())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Put(r.Context(), sf); err != nil {
		s.log.Error("failed to store skyfile", slog.String("root", sf.ID().String()), slog.Any("err", err))
		http.Error(w, "failed to store skyfile", http.StatusInternalServerError)
		return
	}

	writeJSON(w, portal.UploadResponse{
		Skylink:    m.Skylink.String(),
		MerkleRoot: m.Root.String(),
		Bitfield:   m.Skylink.Bitfield(),
	})
}

// readUpload 解析 multipart 请求
// 带 filename 参数时是多文件上传，每个 files[] 部分按顺序拼接成一个子文件。
func readUpload(r *http.Request) (ingester.Input, []byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return ingester.Input{}, nil, err
	}

	dirName := r.URL.Query().Get("filename")
	field := portal.FieldFile
	if dirName != "" {
		field = portal.FieldFiles
	}

	var (
		buf      bytes.Buffer
		subfiles = map[string]core.Subfile{}
		names    []string
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ingester.Input{}, nil, err
		}
		if part.FormName() != field {
			part.Close()
			continue
		}

		// 不用 part.FileName()，它会丢掉子目录
		_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if err != nil {
			return ingester.Input{}, nil, fmt.Errorf("bad content disposition: %w", err)
		}
		name := params["filename"]
		if name == "" {
			return ingester.Input{}, nil, errors.New("part without filename")
		}
		if _, dup := subfiles[name]; dup {
			return ingester.Input{}, nil, fmt.Errorf("duplicate file %q", name)
		}

		off := int64(buf.Len())
		n, err := io.Copy(&buf, part)
		part.Close()
		if err != nil {
			return ingester.Input{}, nil, err
		}
		subfiles[name] = core.Subfile{
			Filename:    name,
			ContentType: part.Header.Get("Content-Type"),
			Offset:      off,
			Len:         n,
		}
		names = append(names, name)
	}

	content := buf.Bytes()
	in := ingester.Input{Content: bytes.NewReader(content), Size: int64(len(content))}
	switch {
	case len(names) == 0:
		return ingester.Input{}, nil, fmt.Errorf("no %q part in upload", field)
	case dirName == "":
		if len(names) > 1 {
			return ingester.Input{}, nil, errors.New("single file upload with multiple parts")
		}
		in.Filename = names[0]
	default:
		in.Filename = dirName
		in.Subfiles = subfiles
		in.DefaultPath = r.URL.Query().Get("defaultpath")
	}
	return in, content, nil
}

// =============================================================================
// 2. Download / Metadata
// =============================================================================

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	link, err := skylink.Parse(r.PathValue("skylink"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, _, err := link.OffsetAndLength(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sf, err := storage.LoadSkyfile(r.Context(), s.store, link.MerkleRoot())
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "skylink not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to load skyfile", slog.String("skylink", link.String()), slog.Any("err", err))
		http.Error(w, "failed to load skyfile", http.StatusInternalServerError)
		return
	}

	metaJSON, err := sf.Metadata.JSON()
	if err != nil {
		http.Error(w, "failed to encode metadata", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set(portal.HeaderMetadata, string(metaJSON))
	h.Set(portal.HeaderSkylink, link.String())
	h.Set(portal.HeaderPortalAPI, "http://"+r.Host)
	h.Set("Content-Type", contentTypeOf(&sf.Metadata))
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": sf.Metadata.Filename}))

	// ServeContent 处理 Range 与 HEAD
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(sf.Content))
}

func contentTypeOf(meta *core.Metadata) string {
	if len(meta.Subfiles) == 0 {
		if ct := mime.TypeByExtension(path.Ext(meta.Filename)); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("err", err))
	}
}
