package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level 은 로그의 심각도 레벨을 나타냅니다.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Fields 는 구조적 로그의 key/value 필드를 표현합니다.
// Loki/Promtail 에서 라벨/필드로 활용할 수 있습니다.
type Fields map[string]any

// Logger 는 Loki/Grafana 스택에 적합한 구조적 로그 인터페이스입니다.
//
// - 모든 구현체는 단일 라인 JSON 을 stdout 으로 출력하는 것을 목표로 합니다.
// - Promtail 은 stdout 을 수집해 Loki 로 전송하고, Grafana 에서 쿼리/대시보딩 할 수 있습니다.
type Logger interface {
	// Debug 는 디버그 레벨 로그를 기록합니다.
	Debug(msg string, fields Fields)

	// Info 는 정보 레벨 로그를 기록합니다.
	Info(msg string, fields Fields)

	// Warn 는 경고 레벨 로그를 기록합니다.
	Warn(msg string, fields Fields)

	// Error 는 에러 레벨 로그를 기록합니다.
	Error(msg string, fields Fields)

	// With 는 추가 필드를 항상 포함하는 child logger 를 생성합니다.
	With(fields Fields) Logger
}

// std 는 NewStdJSONLogger 가 공유하는 stdout 기반 logrus 인스턴스입니다.
// SetLevel 로 프로세스 전체의 레벨을 한 번에 바꿀 수 있습니다.
var std = newBase(os.Stdout, logrus.InfoLevel)

func newBase(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
		},
	})
	return l
}

// entryLogger 는 logrus.Entry 를 감싼 Logger 구현체입니다.
type entryLogger struct {
	entry *logrus.Entry
}

func (e *entryLogger) Debug(msg string, fields Fields) { e.entry.WithFields(logrus.Fields(fields)).Debug(msg) }
func (e *entryLogger) Info(msg string, fields Fields)  { e.entry.WithFields(logrus.Fields(fields)).Info(msg) }
func (e *entryLogger) Warn(msg string, fields Fields)  { e.entry.WithFields(logrus.Fields(fields)).Warn(msg) }
func (e *entryLogger) Error(msg string, fields Fields) { e.entry.WithFields(logrus.Fields(fields)).Error(msg) }

func (e *entryLogger) With(fields Fields) Logger {
	return &entryLogger{entry: e.entry.WithFields(logrus.Fields(fields))}
}

// NewStdJSONLogger 는 stdout 으로 단일 라인 JSON 로그를 출력하는 기본 Logger 를 생성합니다.
// Promtail 이 stdout 을 Loki 로 수집하는 전형적인 구성에 적합합니다.
//
// component, session_id, client_ip, request_id 같은 필드를 With 로 미리 설정해 두면
// Grafana 에서 필터링/그룹핑에 활용할 수 있습니다.
func NewStdJSONLogger(component string) Logger {
	return &entryLogger{entry: std.WithField("component", component)}
}

// NewJSONLogger 는 임의의 io.Writer 로 JSON 로그를 쓰는 Logger 를 생성합니다. (테스트용)
// 레벨은 항상 debug 입니다.
func NewJSONLogger(w io.Writer, component string) Logger {
	return &entryLogger{entry: newBase(w, logrus.DebugLevel).WithField("component", component)}
}

// NewStdLogger 는 http.Server.ErrorLog, httputil.ReverseProxy.ErrorLog 처럼
// 표준 *log.Logger 를 요구하는 곳에 넘길 로거를 만듭니다. 각 줄은 warn 레벨 JSON 으로 기록됩니다.
func NewStdLogger(component string) *log.Logger {
	return log.New(std.WithField("component", component).WriterLevel(logrus.WarnLevel), "", 0)
}

// Discard 는 아무것도 출력하지 않는 Logger 를 반환합니다.
func Discard() Logger {
	return NewJSONLogger(io.Discard, "discard")
}

// SetLevel 은 stdout 기본 로거의 레벨을 설정합니다.
// 허용 값: debug, info, warn(warning), error
func SetLevel(level string) error {
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lv)
	return nil
}

// ParseLevel 은 HOP_LOG_LEVEL 문자열을 logrus 레벨로 변환합니다.
func ParseLevel(level string) (logrus.Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(level))) {
	case DebugLevel:
		return logrus.DebugLevel, nil
	case InfoLevel, "":
		return logrus.InfoLevel, nil
	case WarnLevel, "warning":
		return logrus.WarnLevel, nil
	case ErrorLevel:
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
