package server

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/louisbranch/proctorvision/internal/services/proctor/imageframe"
)

func postForm(t *testing.T, env *testEnv, path string, values url.Values, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func doRequest(t *testing.T, env *testEnv, method, path string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, env.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func initialize(t *testing.T, env *testEnv, account string) {
	t.Helper()

	resp := postForm(t, env, "/continuous-auth/initialize", url.Values{
		"account_id":     {account},
		"room_id":        {"42"},
		"baseline_image": {"data:image/jpeg;base64," + b64("baseline-" + account)},
	}, nil)
	var body initializeResponse
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if !body.Success || !strings.HasPrefix(body.SessionToken, "session_"+account+"_") {
		t.Fatalf("initialize = %+v", body)
	}
	if body.InitialInterval != 30 {
		t.Fatalf("initial interval = %d, want 30", body.InitialInterval)
	}
}

func verify(t *testing.T, env *testEnv, account, image string) verifyResponse {
	t.Helper()

	resp := postForm(t, env, "/continuous-auth/verify", url.Values{
		"account_id":   {account},
		"image_base64": {b64(image)},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	var body verifyResponse
	decodeBody(t, resp, &body)
	return body
}

func TestUpEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/up", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestInitializeRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tests := []struct {
		name   string
		values url.Values
		status int
		code   string
	}{
		{"missing account", url.Values{"room_id": {"1"}, "baseline_image": {b64("x")}}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad base64", url.Values{"account_id": {"1"}, "room_id": {"1"}, "baseline_image": {"%%%"}}, http.StatusBadRequest, "MALFORMED_IMAGE"},
		{"empty image", url.Values{"account_id": {"1"}, "room_id": {"1"}, "baseline_image": {"data:image/png;base64,"}}, http.StatusBadRequest, "MALFORMED_IMAGE"},
		{"stranger", url.Values{"account_id": {"1"}, "room_id": {"1"}, "baseline_image": {b64("stranger")}}, http.StatusUnauthorized, "AUTHENTICATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postForm(t, env, "/continuous-auth/initialize", tt.values, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body apiErrorEnvelope
			decodeBody(t, resp, &body)
			if body.Error.Code != tt.code {
				t.Fatalf("code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestStatusWithoutSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := doRequest(t, env, http.MethodGet, "/continuous-auth/status/555", nil)
	var body statusResponse
	decodeBody(t, resp, &body)
	if body.ShouldVerify || body.Status != "no_session" || body.NextCheckAfter != 60 {
		t.Fatalf("status = %+v", body)
	}
}

func TestVerifyWithoutSessionIs404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := postForm(t, env, "/continuous-auth/verify", url.Values{
		"account_id":   {"999"},
		"image_base64": {b64("candidate")},
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVerifySuccessKeepsCleanSchedule(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	initialize(t, env, "101")
	got := verify(t, env, "101", "candidate")
	if !got.Success || got.Outcome != "verified" || got.FraudScore != 0 {
		t.Fatalf("verify = %+v", got)
	}
	if got.NextInterval != 60 || got.RiskLevel != "clean" {
		t.Fatalf("schedule = %d %s", got.NextInterval, got.RiskLevel)
	}
}

func TestThreeFailuresEscalateToSupervisor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	teacher := env.connect(t, "teacher")
	student := env.connect(t, "s1")
	for _, conn := range []*websocket.Conn{teacher, student} {
		send(t, conn, map[string]any{"type": "join_room", "room_id": 42})
	}
	waitFor(t, func() bool { return env.services.Rooms.Count(42) == 2 })
	send(t, teacher, map[string]any{"type": "quiz_control", "action": "START_QUIZ", "quiz_id": 42, "duration": 20})
	readType(t, teacher, "quiz_control")

	initialize(t, env, "101")
	env.identity.setDistance(0.9)
	first := verify(t, env, "101", "frame-1")
	if first.Outcome != "fraud_detected" || first.FraudScore != 0.5 {
		t.Fatalf("first = %+v", first)
	}
	env.handler.wait()
	verify(t, env, "101", "frame-2")
	env.handler.wait()
	verify(t, env, "101", "frame-3")
	env.handler.wait()

	request := readType(t, teacher, "tracking_verify_request")
	session, _ := request["session"].(map[string]any)
	if session["participant"] != "s1" || session["fraud_score"] != 0.5 || session["has_image"] != true {
		t.Fatalf("request = %v", request)
	}
	sessionID, _ := session["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("request has no session id: %v", request)
	}

	send(t, teacher, map[string]any{"type": "request_image", "session_id": sessionID})
	_ = teacher.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame []byte
	for {
		kind, data, err := teacher.ReadMessage()
		if err != nil {
			t.Fatalf("read image frame: %v", err)
		}
		if kind == websocket.BinaryMessage {
			frame = data
			break
		}
	}
	_ = teacher.SetReadDeadline(time.Time{})
	gotID, image, err := imageframe.Decode(frame)
	if err != nil {
		t.Fatalf("decode image frame: %v", err)
	}
	if gotID != sessionID || string(image) != "frame-1" {
		t.Fatalf("image frame = %q %q", gotID, image)
	}

	resp := doRequest(t, env, http.MethodGet, "/continuous-auth/escalations/101", nil)
	var listed struct {
		Escalations []escalationResponse `json:"escalations"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Escalations) != 1 || listed.Escalations[0].SessionID != sessionID || listed.Escalations[0].Supervisor != "teacher" {
		t.Fatalf("escalations = %+v", listed.Escalations)
	}

	resp = doRequest(t, env, http.MethodDelete, "/continuous-auth/session/101", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	var report reportResponse
	decodeBody(t, resp, &report)
	if report.AccountID != 101 || report.FinalFraudScore != 1 || report.FinalStatus != "fraud_suspected" {
		t.Fatalf("report = %+v", report)
	}
	if _, ok := env.services.Escalation.Image(sessionID); ok {
		t.Fatal("image must be purged with the session")
	}

	resp = doRequest(t, env, http.MethodDelete, "/continuous-auth/session/101", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second end status = %d, want 404", resp.StatusCode)
	}
}

func TestTechnicalFailuresAreNotEscalated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	initialize(t, env, "102")
	env.identity.mu.Lock()
	env.identity.faces = 0
	env.identity.mu.Unlock()

	for i := 0; i < 3; i++ {
		got := verify(t, env, "102", "dark-room")
		if got.Outcome != "technical_failure" {
			t.Fatalf("outcome = %q", got.Outcome)
		}
	}
	env.handler.wait()
	if n := len(env.services.Escalation.Records(102)); n != 0 {
		t.Fatalf("tracked records = %d, want 0", n)
	}
}

func TestFaceRegistrationPush(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	student := env.connect(t, "s2")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/accounts/102/face-registration", strings.NewReader(`{"full_name":"Tran B"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := readType(t, student, "face_registration_request")
	data, _ := got["account_data"].(map[string]any)
	if data["full_name"] != "Tran B" {
		t.Fatalf("frame = %v", got)
	}

	resp = postForm(t, env, "/accounts/103/face-registration", url.Values{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("offline account status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIRequiresBearerWhenSecretConfigured(t *testing.T) {
	t.Parallel()

	const secret = "exam-secret"
	env := newTestEnv(t, withTokenSecret(secret))
	sign := func(t *testing.T, claims jwt.RegisteredClaims, key string) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return token
	}
	valid := sign(t, jwt.RegisteredClaims{Subject: "proctor-web", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret)
	expired := sign(t, jwt.RegisteredClaims{Subject: "proctor-web", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, secret)
	forged := sign(t, jwt.RegisteredClaims{Subject: "proctor-web", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, "other")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"forged", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			resp := doRequest(t, env, http.MethodGet, "/continuous-auth/status/1", header)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	resp := doRequest(t, env, http.MethodGet, "/up", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/up must stay open, got %d", resp.StatusCode)
	}
}

func TestDecodeImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain", b64("abc"), "abc", false},
		{"data url", "data:image/png;base64," + b64("png-bytes"), "png-bytes", false},
		{"unpadded", strings.TrimRight(b64("ab"), "="), "ab", false},
		{"empty", "", "", true},
		{"garbage", "!!notbase64!!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeImage(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
