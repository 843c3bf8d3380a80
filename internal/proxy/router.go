package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dalbodeule/hop-edge/internal/config"
)

// Target 은 요청을 전달할 업스트림 host:port 입니다.
type Target struct {
	Host string
	Port int
}

// ParseTarget 은 "host:port" 문자열을 Target 으로 변환합니다.
func ParseTarget(addr string) (Target, error) {
	host, port, err := config.ParseUpstreamAddr(addr)
	if err != nil {
		return Target{}, err
	}
	return Target{Host: host, Port: port}, nil
}

// Addr 는 dial 에 사용할 "host:port" 입니다.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL 은 업스트림의 평문 HTTP 기준 URL 입니다.
func (t Target) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: t.Addr()}
}

func (t Target) String() string {
	return t.Addr()
}

// Router 는 요청을 어떤 업스트림으로 보낼지 결정하는 인터페이스입니다.
type Router interface {
	Route(req *http.Request) (Target, error)
}

// StaticRouter 는 모든 요청을 하나의 고정 업스트림으로 보냅니다.
type StaticRouter struct {
	Target Target
}

// Route 는 항상 고정 Target 을 반환합니다.
func (r StaticRouter) Route(*http.Request) (Target, error) {
	return r.Target, nil
}
