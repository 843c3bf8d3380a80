package edge

import (
	"errors"
	"fmt"
)

// ErrAdmissionDenied 는 연결/요청 제한에 의한 거부를 묶는 상위 에러입니다.
var ErrAdmissionDenied = errors.New("admission denied")

var (
	// ErrConnLimited 는 식별자의 동시 연결 수가 상한에 도달했을 때 사용됩니다.
	ErrConnLimited = fmt.Errorf("%w: connection limit reached", ErrAdmissionDenied)
	// ErrRateLimited 는 식별자의 token bucket 이 비었을 때 사용됩니다.
	ErrRateLimited = fmt.Errorf("%w: rate limit exceeded", ErrAdmissionDenied)
)

// HandshakeError 는 TLS 핸드셰이크 실패입니다. 해당 연결만 닫히고 리스너는 계속 동작합니다.
type HandshakeError struct {
	Peer string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
