package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"
)

// ResponseType 对应响应的来源类型，只有 basic 可以进入通用回退路径的缓存。
type ResponseType string

const (
	// ResponseBasic 表示同源且未被重定向到其它源的响应。
	ResponseBasic ResponseType = "basic"
	// ResponseOpaque 表示跨源或被重定向到其它源的响应。
	ResponseOpaque ResponseType = "opaque"
)

// Snapshot 是一次网络响应的不可变副本。写入后只读，删除只随分区整体发生。
type Snapshot struct {
	Key        string
	URL        string
	Method     string
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	// Varied 记录响应 Vary 头所列出的请求头在写入时的取值。
	Varied   http.Header
	StoredAt time.Time
}

// NewSnapshot 根据请求与已读取完毕的响应正文构造快照。
func NewSnapshot(req *http.Request, status int, header http.Header, body []byte, typ ResponseType) *Snapshot {
	stored := header.Clone()
	if stored == nil {
		stored = http.Header{}
	}
	stored.Del("Content-Length")
	stored.Del("Transfer-Encoding")

	return &Snapshot{
		Key:        RequestKey(req),
		URL:        req.URL.String(),
		Method:     req.Method,
		StatusCode: status,
		Header:     stored,
		Body:       append([]byte(nil), body...),
		Type:       typ,
		Varied:     captureVary(req, stored),
		StoredAt:   time.Now().UTC(),
	}
}

// Response 基于快照构造一个新的 *http.Response，每次调用都拥有独立的 Body。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// record 是快照的持久化格式：元数据 JSON + httputil.DumpResponse 得到的原始响应。
type record struct {
	Key      string       `json:"key"`
	URL      string       `json:"url"`
	Method   string       `json:"method"`
	Type     ResponseType `json:"type"`
	Varied   http.Header  `json:"varied,omitempty"`
	StoredAt time.Time    `json:"stored_at"`
	Response []byte       `json:"response"`
}

// encodeSnapshot 序列化快照。
func encodeSnapshot(s *Snapshot) ([]byte, error) {
	resp := s.Response(nil)
	dumped, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("httputil.DumpResponse failed: %w", err)
	}
	rec := record{
		Key:      s.Key,
		URL:      s.URL,
		Method:   s.Method,
		Type:     s.Type,
		Varied:   s.Varied,
		StoredAt: s.StoredAt,
		Response: dumped,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// decodeSnapshot 反序列化快照。
func decodeSnapshot(data []byte) (*Snapshot, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rec.Response)), nil)
	if err != nil {
		return nil, fmt.Errorf("http.ReadResponse failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	header := resp.Header
	header.Del("Content-Length")

	return &Snapshot{
		Key:        rec.Key,
		URL:        rec.URL,
		Method:     rec.Method,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Type:       rec.Type,
		Varied:     rec.Varied,
		StoredAt:   rec.StoredAt,
	}, nil
}

// matchSnapshot 解码并校验 Vary，不匹配时视为未命中。
func matchSnapshot(data []byte, req *http.Request) (*Snapshot, error) {
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if !varyMatches(snap, req) {
		return nil, ErrNotFound
	}
	return snap, nil
}

func checkCacheable(snap *Snapshot) error {
	if snap == nil || snap.Method != http.MethodGet || snap.Key == "" {
		return ErrNotCacheable
	}
	return nil
}
