package cache

import (
	"net/http"
	"net/textproto"
	"strings"
)

// parseVary 将响应 Vary 头（逗号分隔，可出现多次）拆成规范化的头名列表。
func parseVary(header http.Header) []string {
	var fields []string
	for _, val := range header.Values("Vary") {
		for _, field := range strings.FieldsFunc(val, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
		}) {
			if field == "*" {
				fields = append(fields, field)
				continue
			}
			fields = append(fields, textproto.CanonicalMIMEHeaderKey(field))
		}
	}
	return fields
}

// captureVary 记录 Vary 所列请求头在写入时的取值。
func captureVary(req *http.Request, header http.Header) http.Header {
	fields := parseVary(header)
	if len(fields) == 0 || req == nil {
		return nil
	}
	captured := http.Header{}
	for _, field := range fields {
		if field == "*" {
			continue
		}
		captured[field] = []string{req.Header.Get(field)}
	}
	return captured
}

// varyMatches 检查请求的 Vary 相关头是否与写入时一致；Vary: * 永不匹配。
func varyMatches(snap *Snapshot, req *http.Request) bool {
	for _, field := range parseVary(snap.Header) {
		if field == "*" {
			return false
		}
		var current string
		if req != nil {
			current = req.Header.Get(field)
		}
		if current != snap.Varied.Get(field) {
			return false
		}
	}
	return true
}
