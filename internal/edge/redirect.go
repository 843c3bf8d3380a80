package edge

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
)

// RedirectHandler 는 평문 포트의 모든 요청을 https://{host}{request-uri} 로 301 리다이렉트합니다.
// httpsPort 가 "443" 이 아니면 Location 에 포트를 포함합니다.
// Host 헤더가 없으면 fallbackHost 를 사용하고, 형식이 잘못되었으면 400 으로 응답합니다.
func RedirectHandler(httpsPort, fallbackHost string, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.NewStdJSONLogger("edge")
	}
	log := logger.With(logging.Fields{"component": "http_redirect"})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")

		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if host == "" {
			host = fallbackHost
		}
		if host == "" || !httpguts.ValidHostHeader(host) {
			log.Debug("redirect rejected: invalid host", logging.Fields{
				"host":      r.Host,
				"client_ip": identityFromString(r.RemoteAddr),
			})
			http.Error(w, "400 Bad Request", http.StatusBadRequest)
			return
		}

		authority := host
		if strings.Contains(host, ":") {
			authority = "[" + strings.Trim(host, "[]") + "]"
		}
		if httpsPort != "" && httpsPort != "443" {
			authority = net.JoinHostPort(strings.Trim(host, "[]"), httpsPort)
		}

		uri := r.RequestURI
		if uri == "" || !strings.HasPrefix(uri, "/") {
			uri = r.URL.RequestURI()
		}

		observability.RedirectsTotal.Inc()
		http.Redirect(w, r, "https://"+authority+uri, http.StatusMovedPermanently)
	})
}
