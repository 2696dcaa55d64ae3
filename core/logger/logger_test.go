// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

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
)

func TestContextWithLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	requestID := RequestIDFromContext(ctx)
	assert.NotEmpty(t, requestID)

	// a second call keeps the existing logger
	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, rlog, rlog2)
	assert.Equal(t, requestID, RequestIDFromContext(ctx2))
}

func TestContextWithLoggerDevice(t *testing.T) {
	ctx, _ := ContextWithLogger(context.Background())
	requestID := RequestIDFromContext(ctx)

	ctx, rlog := ContextWithLoggerDevice(ctx, "sensor-1")
	assert.Equal(t, "sensor-1", rlog.Data[deviceIDKey])
	assert.Equal(t, requestID, RequestIDFromContext(ctx))
	assert.Equal(t, rlog, FromContext(ctx))
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("chatty"))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var requestID string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		requestID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, requestID, rec.Header().Get(RequestIDHeader))

	// a request id sent by the client is kept
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", requestID)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestInitLogger(t *testing.T) {
	defer InitLogger(logrus.InfoLevel, "text")

	InitLogger(logrus.DebugLevel, "json")
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	InitLogger(logrus.WarnLevel, "text")
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)
}
