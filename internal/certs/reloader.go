package certs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
)

// ExpiryWarningWindow 이내에 만료되는 인증서는 로드할 때마다 경고 로그를 남깁니다.
const ExpiryWarningWindow = 14 * 24 * time.Hour

// DefaultWatchDebounce 는 certbot 의 심볼릭 링크 교체 이벤트 묶음을 하나로 합치는 간격입니다.
const DefaultWatchDebounce = 2 * time.Second

// ReloaderConfig 는 Reloader 설정입니다.
type ReloaderConfig struct {
	CertFile string
	KeyFile  string
	// Domain 이 비어 있지 않으면 leaf 인증서가 이 도메인을 포함해야 합니다.
	Domain string
	// WatchDebounce 가 0 이하이면 DefaultWatchDebounce 를 사용합니다.
	WatchDebounce time.Duration
}

// Reloader 는 디스크의 인증서를 다시 읽어 Store 에 게시합니다.
// 실패한 재로딩은 이전 스냅샷을 그대로 유지합니다.
type Reloader struct {
	cfg    ReloaderConfig
	store  *Store
	logger logging.Logger

	mu sync.Mutex
}

// NewReloader 는 새로운 Reloader 를 생성합니다.
func NewReloader(cfg ReloaderConfig, store *Store, logger logging.Logger) *Reloader {
	if logger == nil {
		logger = logging.NewStdJSONLogger("certs")
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = DefaultWatchDebounce
	}
	return &Reloader{
		cfg:    cfg,
		store:  store,
		logger: logger.With(logging.Fields{"component": "cert_reloader"}),
	}
}

// Reload 는 인증서 파일을 다시 읽어 검증한 뒤 Store 에 교체합니다.
// reason 은 로그 라벨(startup, fsnotify, cron, sighup, admin)입니다.
// 내용이 현재 스냅샷과 같으면 교체하지 않고 현재 스냅샷을 반환합니다.
func (r *Reloader) Reload(reason string) (*Material, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.logger.With(logging.Fields{"reason": reason, "cert_file": r.cfg.CertFile})

	m, err := LoadFiles(r.cfg.CertFile, r.cfg.KeyFile)
	if err == nil && r.cfg.Domain != "" {
		if verr := m.Covers(r.cfg.Domain); verr != nil {
			err = fmt.Errorf("certificate does not cover %q: %w", r.cfg.Domain, verr)
		}
	}
	if err != nil {
		observability.CertReloadsTotal.WithLabelValues("failure").Inc()
		log.Error("certificate reload failed, keeping previous material", logging.Fields{
			"error": err.Error(),
		})
		return nil, err
	}

	if cur := r.store.Load(); cur != nil && sameChain(cur, m) {
		observability.CertReloadsTotal.WithLabelValues("unchanged").Inc()
		log.Debug("certificate unchanged", nil)
		return cur, nil
	}

	r.store.Swap(m)
	observability.CertReloadsTotal.WithLabelValues("success").Inc()
	observability.CertExpiryTimestampSeconds.Set(float64(m.NotAfter().Unix()))

	fields := logging.Fields{
		"subject":    m.Leaf.Subject.CommonName,
		"issuer":     m.Leaf.Issuer.CommonName,
		"domains":    m.Domains,
		"expires_at": m.NotAfter().Format(time.RFC3339),
	}
	if m.ExpiresWithin(time.Now(), ExpiryWarningWindow) {
		fields["expires_in_hours"] = int(time.Until(m.NotAfter()).Hours())
		log.Warn("certificate expiring soon", fields)
	} else {
		log.Info("certificate loaded", fields)
	}
	return m, nil
}

// Watch 는 live/{domain} 디렉터리를 fsnotify 로 감시하다가 변경이 멈추면 Reload 합니다.
// ctx 가 취소될 때까지 블록합니다.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// certbot 은 파일이 아니라 심볼릭 링크를 교체하므로 디렉터리를 감시합니다.
	dir := filepath.Dir(r.cfg.CertFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.logger.Info("watching certificate directory", logging.Fields{"dir": dir})

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			r.logger.Debug("certificate file event", logging.Fields{
				"path": event.Name,
				"op":   event.Op.String(),
			})
			if timer == nil {
				timer = time.NewTimer(r.cfg.WatchDebounce)
			} else {
				timer.Reset(r.cfg.WatchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_, _ = r.Reload("fsnotify")

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			r.logger.Warn("certificate watcher error", logging.Fields{"error": err.Error()})
		}
	}
}

func sameChain(a, b *Material) bool {
	ac, bc := a.Certificate.Certificate, b.Certificate.Certificate
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if !bytes.Equal(ac[i], bc[i]) {
			return false
		}
	}
	return true
}
