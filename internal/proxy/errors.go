package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoRoute 는 Router 가 요청에 대한 업스트림을 찾지 못했을 때 사용됩니다.
var ErrNoRoute = errors.New("proxy: no upstream route")

// UpstreamError 는 업스트림과의 통신 실패(UpstreamUnavailable)를 나타냅니다.
// Op 는 실패한 단계입니다. (dial, round_trip)
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout 은 실패 원인이 타임아웃인지 보고합니다. 타임아웃은 504, 그 외는 502 로 응답합니다.
func (e *UpstreamError) Timeout() bool {
	return isTimeout(e.Err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
