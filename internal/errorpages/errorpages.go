package errorpages

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.html
var embeddedTemplatesFS embed.FS

// Page 는 에러 페이지 템플릿에 전달되는 값입니다.
type Page struct {
	Status     int
	StatusText string
	RequestID  string
}

// Render 는 status 에 해당하는 에러 페이지를 씁니다.
// 템플릿이 없으면 "<code> <text>" 형태의 텍스트로 폴백합니다.
// w 에 이미 설정된 헤더(Retry-After, 보안 헤더)는 유지됩니다. HEAD 요청에는 본문을 쓰지 않습니다.
func Render(w http.ResponseWriter, r *http.Request, status int) {
	page := Page{
		Status:     status,
		StatusText: http.StatusText(status),
		RequestID:  strings.TrimSpace(r.Header.Get("X-Request-ID")),
	}
	body, ok := execute(status, page)

	h := w.Header()
	h.Set("Cache-Control", "no-store")
	if !ok {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		body = []byte(fmt.Sprintf("%d %s", status, page.StatusText))
	} else {
		h.Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

// execute 는 status 템플릿을 page 로 실행합니다.
// 외부 파일이 html/template 으로 해석되지 않으면 원문 그대로 사용합니다.
func execute(status int, page Page) ([]byte, bool) {
	raw, ok := Load(status)
	if !ok {
		return nil, false
	}
	tmpl, err := template.New(fmt.Sprintf("%d", status)).Parse(string(raw))
	if err != nil {
		return raw, true
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, page); err != nil {
		return raw, true
	}
	return buf.Bytes(), true
}

// Load 는 status 에 대한 에러 페이지 원문을 찾습니다.
//
// 우선순위:
//  1. $HOP_ERROR_PAGES_DIR/<status>.html (env 미설정 시 ./errors/<status>.html)
//  2. 내장 템플릿 templates/<status>.html
func Load(status int) ([]byte, bool) {
	name := fmt.Sprintf("%d.html", status)

	dir := strings.TrimSpace(os.Getenv("HOP_ERROR_PAGES_DIR"))
	if dir == "" {
		dir = "./errors"
	}
	if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
		return data, true
	}

	// embed.FS 경로 구분자는 항상 '/' 입니다.
	if data, err := embeddedTemplatesFS.ReadFile("templates/" + name); err == nil {
		return data, true
	}
	return nil, false
}
