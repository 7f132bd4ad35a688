package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	"github.com/louisbranch/proctorvision/internal/platform/requestctx"
	"github.com/louisbranch/proctorvision/internal/services/proctor/continuousauth"
	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"go.uber.org/zap"
)

const (
	maxFormBytes         = 16 << 20
	maxRegistrationBytes = 64 << 10
	defaultListLimit     = 20
)

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type initializeResponse struct {
	Success            bool    `json:"success"`
	SessionToken       string  `json:"session_token"`
	BaselineConfidence float64 `json:"baseline_confidence"`
	InitialInterval    int64   `json:"initial_interval"`
	Message            string  `json:"message"`
}

type statusResponse struct {
	ShouldVerify   bool    `json:"should_verify"`
	SessionToken   string  `json:"session_token"`
	Interval       int64   `json:"interval,omitempty"`
	FraudScore     float64 `json:"fraud_score"`
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	NextCheckAfter int64   `json:"next_check_after"`
}

type verifyResponse struct {
	Success           bool    `json:"success"`
	Outcome           string  `json:"status"`
	Reason            string  `json:"reason,omitempty"`
	Distance          float64 `json:"distance,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	FraudScore        float64 `json:"fraud_score"`
	SessionStatus     string  `json:"session_status"`
	TechnicalFailures int     `json:"technical_failures"`
	Message           string  `json:"message"`
	NextInterval      int64   `json:"next_interval"`
	RiskLevel         string  `json:"risk_level"`
}

type reportResponse struct {
	AccountID           int64   `json:"account_id"`
	Duration            float64 `json:"duration"`
	TotalVerifications  int     `json:"total_verifications"`
	FinalFraudScore     float64 `json:"final_fraud_score"`
	FinalStatus         string  `json:"final_status"`
	TechnicalFailures   int     `json:"technical_failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

type escalationResponse struct {
	SessionID   string  `json:"session_id"`
	Participant string  `json:"participant"`
	Supervisor  string  `json:"supervisor"`
	RoomID      int64   `json:"room_id"`
	FraudScore  float64 `json:"fraud_score"`
	HasImage    bool    `json:"has_image"`
	DeliveredAt string  `json:"delivered_at"`
}

type accountRequest struct {
	AccountID   int64  `json:"account_id"`
	Participant string `json:"participant"`
	DisplayName string `json:"display_name"`
}

type accountResponse struct {
	AccountID   int64  `json:"account_id"`
	Participant string `json:"participant"`
	DisplayName string `json:"display_name,omitempty"`
}

type faceRegistrationFrame struct {
	Type        string          `json:"type"`
	AccountData json.RawMessage `json:"account_data"`
}

func (h *handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	account, err := parseAccountID(r.FormValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	room, err := parseInt("room_id", r.FormValue("room_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	baseline, err := decodeImage(r.FormValue("baseline_image"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.services.Auth.Initialize(r.Context(), account, room, baseline)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.services.Escalation.Reopen(account)
	writeJSON(w, http.StatusOK, initializeResponse{
		Success:            true,
		SessionToken:       result.SessionToken,
		BaselineConfidence: result.BaselineConfidence,
		InitialInterval:    durationSeconds(result.InitialInterval),
		Message:            "Continuous authentication initialized",
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccountID(r.PathValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	report := h.services.Auth.Status(account)
	writeJSON(w, http.StatusOK, statusResponse{
		ShouldVerify:   report.ShouldVerify,
		SessionToken:   report.SessionToken,
		Interval:       durationSeconds(report.Interval),
		FraudScore:     report.FraudScore,
		Status:         report.Status,
		Message:        report.Message,
		NextCheckAfter: durationSeconds(report.NextCheckAfter),
	})
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	account, err := parseAccountID(r.FormValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	candidate, err := decodeImage(r.FormValue("image_base64"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.services.Auth.ProcessVerification(r.Context(), account, candidate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result.Penalized() {
		ctx := context.WithoutCancel(r.Context())
		fraud := result.FraudScore
		h.goBackground(func() {
			h.services.Escalation.Track(ctx, account, fraud, candidate)
		})
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Success:           result.Success,
		Outcome:           result.Outcome,
		Reason:            result.Reason,
		Distance:          result.Distance,
		Threshold:         result.Threshold,
		FraudScore:        result.FraudScore,
		SessionStatus:     result.SessionStatus,
		TechnicalFailures: result.TechnicalFailures,
		Message:           result.Message,
		NextInterval:      durationSeconds(result.Schedule.Interval),
		RiskLevel:         result.Schedule.RiskLevel,
	})
}

func (h *handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccountID(r.PathValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Evidence is dropped even when the engine already forgot the session.
	h.services.Escalation.Purge(account)
	report, ok := h.services.Auth.End(account)
	if !ok {
		h.writeError(w, continuousauth.ErrNoSession)
		return
	}
	subject := requestctx.SubjectFromContext(r.Context())
	h.logger.Info("proctoring session ended",
		zap.Int64("account_id", account),
		zap.String("final_status", report.FinalStatus),
		zap.String("subject", subject),
	)
	writeJSON(w, http.StatusOK, reportResponse{
		AccountID:           report.AccountID,
		Duration:            report.Duration.Seconds(),
		TotalVerifications:  report.TotalVerifications,
		FinalFraudScore:     report.FinalFraudScore,
		FinalStatus:         report.FinalStatus,
		TechnicalFailures:   report.TechnicalFailures,
		ConsecutiveFailures: report.ConsecutiveFailures,
	})
}

func (h *handler) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccountID(r.PathValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	items := []escalationResponse{}
	if h.escalations != nil {
		escalations, err := h.escalations.ListEscalations(r.Context(), account, limit)
		if err != nil {
			h.writeError(w, err)
			return
		}
		for _, e := range escalations {
			items = append(items, escalationResponse{
				SessionID:   e.SessionID,
				Participant: e.Participant,
				Supervisor:  e.Supervisor,
				RoomID:      e.RoomID,
				FraudScore:  e.FraudScore,
				HasImage:    e.HasImage,
				DeliveredAt: e.DeliveredAt.UTC().Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": items})
}

func (h *handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "decode account", err))
		return
	}
	req.Participant = strings.TrimSpace(req.Participant)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.AccountID <= 0 {
		h.writeError(w, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "account_id must be greater than zero", map[string]string{"field": "account_id"}))
		return
	}
	if req.Participant == "" {
		h.writeError(w, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "participant is required", map[string]string{"field": "participant"}))
		return
	}

	if h.accounts == nil {
		h.writeError(w, apperrors.New(apperrors.CodeUnknown, "account store is not configured"))
		return
	}
	err := h.accounts.PutAccount(r.Context(), storage.Account{
		ID:          req.AccountID,
		Participant: req.Participant,
		DisplayName: req.DisplayName,
		CreatedAt:   h.now().UTC(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("account provisioned",
		zap.Int64("account_id", req.AccountID),
		zap.String("participant", req.Participant),
		zap.String("subject", requestctx.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusCreated, accountResponse{
		AccountID:   req.AccountID,
		Participant: req.Participant,
		DisplayName: req.DisplayName,
	})
}

func (h *handler) handleFaceRegistration(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccountID(r.PathValue("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBytes))
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "read body", err))
		return
	}
	data := json.RawMessage(strings.TrimSpace(string(body)))
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if !json.Valid(data) {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "account data must be JSON"))
		return
	}

	participant, ok := h.services.Registry.Resolve(account)
	if !ok {
		h.writeError(w, apperrors.New(apperrors.CodeNotFound, "account is not connected"))
		return
	}
	frame := faceRegistrationFrame{Type: "face_registration_request", AccountData: data}
	if err := h.services.Registry.Send(participant, frame); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			h.writeError(w, apperrors.New(apperrors.CodeNotFound, "account is not connected"))
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": true, "participant": participant})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.GetCode(err)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		code = apperrors.CodeNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
		code = apperrors.CodeAlreadyExists
	}
	message := err.Error()
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("api request failed", zap.Error(err))
	}
	var details map[string]string
	if domainErr != nil {
		details = domainErr.Metadata
	}
	writeJSON(w, status, apiErrorEnvelope{Error: apiError{
		Code:    string(code),
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseAccountID(raw string) (int64, error) {
	return parseInt("account_id", raw)
}

func parseInt(field, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, field+" is required", map[string]string{"field": field})
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, field+" must be an integer", map[string]string{"field": field})
	}
	return value, nil
}

// decodeImage accepts plain base64 or a data URL such as
// "data:image/jpeg;base64,...".
func decodeImage(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:image") {
		if idx := strings.IndexByte(raw, ','); idx >= 0 {
			raw = raw[idx+1:]
		}
	}
	if raw == "" {
		return nil, apperrors.New(apperrors.CodeMalformedImage, "image is required")
	}
	image, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		image, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
	}
	if err != nil || len(image) == 0 {
		return nil, apperrors.New(apperrors.CodeMalformedImage, "image is not valid base64")
	}
	return image, nil
}

func durationSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
