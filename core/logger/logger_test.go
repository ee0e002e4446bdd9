package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestContextWithLoggerKeepsExisting(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)

	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Same(t, rlog, rlog2)
}

func TestContextWithLoggerIdentity(t *testing.T) {
	ctx, _ := ContextWithLoggerIdentity(context.Background(), "d1")
	assert.Equal(t, "d1", IdentityFromContext(ctx))
	assert.NotEmpty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "d1", FromContext(ctx).Data["identity"])
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Empty(t, IdentityFromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("bogus"))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var got string
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, got)
}

func TestZap(t *testing.T) {
	l, err := Zap(logrus.WarnLevel)
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error must be enabled at warn level")
	}
	if zapLevel(logrus.TraceLevel) != zapcore.DebugLevel {
		t.Fatal("trace must map to debug")
	}
}
