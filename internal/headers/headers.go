// Package headers 는 모든 응답에 고정 보안 헤더를 덮어씌우는 정책을 제공합니다.
package headers

import (
	"net/http"
)

// Policy 는 응답에 덮어쓸 헤더 이름/값 목록입니다.
type Policy []Header

// Header 는 정책의 항목 하나입니다.
type Header struct {
	Name  string
	Value string
}

// Security 는 nginx 참조 구성의 add_header 4 종과 같은 기본 정책입니다.
var Security = Policy{
	{Name: "X-Frame-Options", Value: "SAMEORIGIN"},
	{Name: "X-Content-Type-Options", Value: "nosniff"},
	{Name: "X-XSS-Protection", Value: "1; mode=block"},
	{Name: "Referrer-Policy", Value: "no-referrer-when-downgrade"},
}

// Apply 는 h 에 정책 헤더를 덮어씁니다. 기존 값(중복 포함)은 모두 대체되므로 여러 번 호출해도 결과가 같습니다.
func (p Policy) Apply(h http.Header) {
	for _, hd := range p {
		h.Set(hd.Name, hd.Value)
	}
}

// ApplyResponse 는 httputil.ReverseProxy.ModifyResponse 에 그대로 넣을 수 있는 형태입니다.
func (p Policy) ApplyResponse(resp *http.Response) error {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	p.Apply(resp.Header)
	return nil
}

// Middleware 는 응답 헤더가 전송되는 순간(WriteHeader/첫 Write/Flush)에 정책을 적용합니다.
// 업스트림 응답, 429, 502/504, 301 등 어떤 경로로 응답하더라도 헤더가 한 번씩만 존재합니다.
func (p Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&policyWriter{ResponseWriter: w, policy: p}, r)
	})
}

type policyWriter struct {
	http.ResponseWriter
	policy  Policy
	applied bool
}

func (w *policyWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true
	w.policy.Apply(w.ResponseWriter.Header())
}

func (w *policyWriter) WriteHeader(code int) {
	if code >= 200 {
		w.apply()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *policyWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

// Flush 는 헤더가 아직 전송되지 않았다면 정책을 먼저 적용합니다.
func (w *policyWriter) Flush() {
	w.apply()
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

// Unwrap 은 http.ResponseController 가 하위 writer 기능(SetWriteDeadline 등)에 접근할 수 있게 합니다.
func (w *policyWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
