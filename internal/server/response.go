// internal/server/response.go
//
// 本檔負責統一 HTTP 回應格式與錯誤對應。
//   - 成功回應：JSON（writeJSON）或純文字（writeText，例如 "ok"）。
//   - 錯誤回應：statusFor 決定狀態碼，writeErr 只輸出領域錯誤的公開訊息，不洩漏內部細節。
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledger/internal/bank"
)

// writeJSON 統一輸出 JSON 回應。
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeText 輸出純文字回應。
func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}

// writeErr 以 statusFor 的狀態碼輸出錯誤。
func writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	http.Error(w, publicMessage(err), code)
}

// statusFor 為錯誤與 HTTP 狀態碼的唯一對照表。
func statusFor(err error) int {
	switch {
	case errors.Is(err, bank.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, bank.ErrNotFound):
		return http.StatusNotFound
	case bank.IsValidation(err), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, bank.ErrStoreUnavailable), errors.Is(err, bank.ErrReconcilerFatal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

var publicErrors = []error{
	bank.ErrInvalidStructure,
	bank.ErrUnauthorized,
	bank.ErrSelfTransfer,
	bank.ErrNonPositiveAmount,
	bank.ErrInsufficientBalance,
	bank.ErrDuplicateSubmission,
	bank.ErrNotFound,
	bank.ErrStoreUnavailable,
	bank.ErrReconcilerFatal,
	errBadRequest,
}

// publicMessage 回傳可給呼叫端看的訊息；未知錯誤一律隱藏。
func publicMessage(err error) string {
	for _, pe := range publicErrors {
		if errors.Is(err, pe) {
			return pe.Error()
		}
	}
	return "internal server error"
}

// resultLabel 為 submissions_total 的 result 標籤。
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	msg := publicMessage(err)
	if msg == "internal server error" {
		return "error"
	}
	return msg
}
