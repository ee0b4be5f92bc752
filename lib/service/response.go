// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// MaxRequestBody caps decoded request bodies. Flakes are the largest
// payloads and are far smaller than this.
const MaxRequestBody = 8 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes value as a JSON response with the given status.
func WriteJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}

// WriteError writes {"error": message} with the given status.
func WriteError(writer http.ResponseWriter, status int, message string) {
	WriteJSON(writer, status, ErrorResponse{Error: message})
}

// DecodeJSON decodes the request body into target. An empty body is
// reported as io.EOF so callers can treat it as optional.
func DecodeJSON(request *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, request.Body, MaxRequestBody))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("decoding request body: %w", err)
	}
	if decoder.More() {
		return errors.New("decoding request body: trailing data after JSON value")
	}
	return nil
}

// LogRequests logs one line per request with its status and duration.
func LogRequests(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			wrapped := middleware.NewWrapResponseWriter(writer, request.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(wrapped, request)

			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(request.Context(), level, "http request",
				"method", request.Method,
				"path", request.URL.Path,
				"status", status,
				"bytes", wrapped.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
