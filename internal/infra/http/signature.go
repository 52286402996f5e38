package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	// HeaderSignature содержит HMAC-SHA256 тела запроса.
	HeaderSignature = "X-Dispatch-Signature"
	// HeaderTimestamp содержит unix-время подписи.
	HeaderTimestamp = "X-Dispatch-Timestamp"
	// HeaderID содержит идентификатор доставки.
	HeaderID = "X-Dispatch-ID"

	// DefaultSignatureMaxAge ограничивает возраст подписи.
	DefaultSignatureMaxAge = 5 * time.Minute

	maxSignedBody = 1 << 20
	futureSkew    = time.Minute
)

var (
	// ErrSignatureMissing возвращается, если заголовки подписи отсутствуют.
	ErrSignatureMissing = errors.New("signature headers missing")
	// ErrSignatureInvalid возвращается при несовпадении подписи.
	ErrSignatureInvalid = errors.New("signature mismatch")
	// ErrSignatureExpired возвращается для слишком старой или будущей подписи.
	ErrSignatureExpired = errors.New("signature timestamp out of range")
)

// Signature описывает заголовки подписи.
type Signature struct {
	Value     string
	Timestamp int64
	ID        string
}

// Apply выставляет заголовки подписи в запрос.
func (s Signature) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Value)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	h.Set(HeaderID, s.ID)
}

// Sign подписывает тело: HMAC-SHA256(secret, timestamp + "." + body).
func Sign(secret string, body []byte, now time.Time) (Signature, error) {
	if secret == "" {
		return Signature{}, errors.New("signature secret is empty")
	}
	ts := now.Unix()
	return Signature{
		Value:     computeSignature(secret, ts, body),
		Timestamp: ts,
		ID:        uuid.NewString(),
	}, nil
}

// Verify проверяет подпись и её возраст.
func Verify(secret string, body []byte, sig Signature, maxAge time.Duration, now time.Time) error {
	if sig.Value == "" || sig.Timestamp == 0 {
		return ErrSignatureMissing
	}
	if maxAge > 0 {
		age := now.Sub(time.Unix(sig.Timestamp, 0))
		if age > maxAge || age < -futureSkew {
			return fmt.Errorf("%w: age %s", ErrSignatureExpired, age)
		}
	}
	expected := computeSignature(secret, sig.Timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(sig.Value)) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignatureFromRequest читает заголовки подписи.
func SignatureFromRequest(r *http.Request) (Signature, error) {
	sig := Signature{
		Value: r.Header.Get(HeaderSignature),
		ID:    r.Header.Get(HeaderID),
	}
	raw := r.Header.Get(HeaderTimestamp)
	if sig.Value == "" || raw == "" {
		return Signature{}, ErrSignatureMissing
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: timestamp %q", ErrSignatureMissing, raw)
	}
	sig.Timestamp = ts
	return sig, nil
}

// SignatureMiddleware пропускает только запросы с корректной подписью тела.
func SignatureMiddleware(secret string, maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig, err := SignatureFromRequest(r)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				WriteError(w, http.StatusBadRequest, err)
				return
			}
			_ = r.Body.Close()
			if err := Verify(secret, body, sig, maxAge, time.Now()); err != nil {
				WriteError(w, http.StatusUnauthorized, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func computeSignature(secret string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorCode(w, status, "", err)
}

// WriteErrorCode отправляет JSON с ошибкой и машинным кодом.
func WriteErrorCode(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Code: code})
}
