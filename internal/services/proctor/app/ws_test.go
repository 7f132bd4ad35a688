package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
)

func TestUnknownParticipantIsClosedWith4004(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.dial(t, "intruder")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error = %v, want close error", err)
	}
	if closeErr.Code != registry.CloseUnknownID {
		t.Fatalf("close code = %d, want %d", closeErr.Code, registry.CloseUnknownID)
	}
	if closeErr.Text != "unknown participant" {
		t.Fatalf("close text = %q", closeErr.Text)
	}
	if env.services.Registry.Connected("intruder") {
		t.Fatal("intruder must not be registered")
	}
}

func TestReconnectPreemptsPreviousConnection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := env.connect(t, "s1")
	send(t, first, map[string]any{"type": "join_room", "room_id": 5})
	readType(t, first, "room_count_update")

	second := env.dial(t, "s1")

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var closeErr *websocket.CloseError
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		if !errors.As(err, &closeErr) {
			t.Fatalf("read error = %v, want close error", err)
		}
		break
	}
	if closeErr.Code != registry.ClosePreempted {
		t.Fatalf("close code = %d, want %d", closeErr.Code, registry.ClosePreempted)
	}

	waitFor(t, func() bool { return env.services.Registry.Count() == 1 })
	waitFor(t, func() bool { return env.services.Rooms.Count(5) == 0 })

	send(t, second, map[string]any{"type": "ping"})
	readType(t, second, "pong")
}

func TestJoinBroadcastsRoomCount(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	s1 := env.connect(t, "s1")
	s2 := env.connect(t, "s2")

	send(t, s1, map[string]any{"type": "join_room", "room_id": 7})
	got := readType(t, s1, "room_count_update")
	if got["participant_count"] != float64(1) || got["room_id"] != float64(7) {
		t.Fatalf("count update = %v", got)
	}

	send(t, s2, map[string]any{"type": "join_room", "room_id": "7"})
	for _, conn := range []*websocket.Conn{s1, s2} {
		got := readType(t, conn, "room_count_update")
		if got["participant_count"] != float64(2) {
			t.Fatalf("count update = %v, want 2 participants", got)
		}
	}

	send(t, s2, map[string]any{"type": "leave_room", "room_id": 7})
	got = readType(t, s1, "room_count_update")
	if got["participant_count"] != float64(1) {
		t.Fatalf("count after leave = %v", got)
	}
}

func TestDisconnectRemovesFromRooms(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	s1 := env.connect(t, "s1")
	s2 := env.connect(t, "s2")
	send(t, s1, map[string]any{"type": "join_room", "room_id": 3})
	readType(t, s1, "room_count_update")
	send(t, s2, map[string]any{"type": "join_room", "room_id": 3})
	readType(t, s1, "room_count_update")

	_ = s2.Close()
	got := readType(t, s1, "room_count_update")
	if got["participant_count"] != float64(1) {
		t.Fatalf("count after disconnect = %v", got)
	}
}

func TestQuizLifecycleOverWebsocket(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	teacher := env.connect(t, "teacher")
	student := env.connect(t, "s1")
	for _, conn := range []*websocket.Conn{teacher, student} {
		send(t, conn, map[string]any{"type": "join_room", "room_id": 42})
	}
	readType(t, student, "room_count_update")

	send(t, teacher, map[string]any{"type": "quiz_control", "action": "START_QUIZ", "quiz_id": 42, "duration": 10})
	start := readType(t, student, "quiz_control")
	if start["signal"] != "START" || start["duration"] != float64(600) {
		t.Fatalf("start = %v", start)
	}

	send(t, teacher, map[string]any{"type": "quiz_control", "action": "PAUSE_QUIZ", "quiz_id": 42})
	paused := readType(t, student, "quiz_control")
	if paused["signal"] != "PAUSE" {
		t.Fatalf("pause = %v", paused)
	}
	remaining, _ := paused["remaining_time"].(float64)
	if remaining <= 0 || remaining > 600 {
		t.Fatalf("paused remaining = %v", remaining)
	}

	send(t, student, map[string]any{"type": "check_quiz_status", "quiz_id": 42})
	status := readType(t, student, "quiz_status_response")
	data, _ := status["data"].(map[string]any)
	if data["status"] != "paused" || data["supervisor"] != "teacher" {
		t.Fatalf("status = %v", status)
	}

	send(t, teacher, map[string]any{"type": "quiz_control", "action": "RESUME_QUIZ", "quiz_id": 42})
	resumed := readType(t, student, "quiz_control")
	if resumed["signal"] != "RESUME" || resumed["remaining_time"] != remaining {
		t.Fatalf("resume = %v, want remaining %v", resumed, remaining)
	}

	send(t, teacher, map[string]any{"type": "quiz_control", "action": "END_QUIZ", "quiz_id": 42})
	ended := readType(t, student, "quiz_control")
	if ended["signal"] != "END" {
		t.Fatalf("end = %v", ended)
	}
	send(t, student, map[string]any{"type": "check_quiz_status", "quiz_id": 42})
	status = readType(t, student, "quiz_status_response")
	data, _ = status["data"].(map[string]any)
	if data["status"] != "not_found" {
		t.Fatalf("status after end = %v", status)
	}
}

func TestStatusResponseGoesOnlyToRequester(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	s1 := env.connect(t, "s1")
	s2 := env.connect(t, "s2")
	for _, conn := range []*websocket.Conn{s1, s2} {
		send(t, conn, map[string]any{"type": "join_room", "room_id": 8})
	}
	readType(t, s2, "room_count_update")

	send(t, s1, map[string]any{"type": "check_quiz_status", "quiz_id": 8})
	readType(t, s1, "quiz_status_response")
	expectSilence(t, s2, "quiz_status_response", 150*time.Millisecond)
}

func TestLateJoinerReceivesStateSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	teacher := env.connect(t, "teacher")
	send(t, teacher, map[string]any{"type": "join_room", "room_id": 9})
	readType(t, teacher, "room_count_update")
	send(t, teacher, map[string]any{"type": "quiz_control", "action": "START_QUIZ", "quiz_id": 9, "duration": 5})
	readType(t, teacher, "quiz_control")

	late := env.connect(t, "s2")
	send(t, late, map[string]any{"type": "join_room", "room_id": 9})
	sync := readType(t, late, "quiz_state_sync")
	remaining, _ := sync["remaining_time"].(float64)
	if sync["status"] != "active" || remaining <= 0 || remaining > 300 {
		t.Fatalf("sync = %v", sync)
	}
}

func TestSubmissionsAutoEndQuiz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	teacher := env.connect(t, "teacher")
	s1 := env.connect(t, "s1")
	s2 := env.connect(t, "s2")
	for _, conn := range []*websocket.Conn{teacher, s1, s2} {
		send(t, conn, map[string]any{"type": "join_room", "room_id": 11})
	}
	waitFor(t, func() bool { return env.services.Rooms.Count(11) == 3 })
	send(t, teacher, map[string]any{"type": "quiz_control", "action": "START_QUIZ", "quiz_id": 11, "duration": 30})
	readType(t, teacher, "quiz_control")

	send(t, s1, map[string]any{"type": "student_submit", "quiz_id": 11, "score": 8.5})
	progress := readType(t, teacher, "student_submission")
	if progress["submitted_count"] != float64(1) || progress["total_participants"] != float64(3) {
		t.Fatalf("progress = %v", progress)
	}
	send(t, s1, map[string]any{"type": "student_submit", "quiz_id": 11, "score": 9})
	send(t, s2, map[string]any{"type": "student_submit", "quiz_id": 11, "score": 7})

	progress = readType(t, teacher, "student_submission")
	if progress["submitted_count"] != float64(2) || progress["participant"] != "s2" {
		t.Fatalf("progress = %v", progress)
	}
	end := readType(t, teacher, "quiz_control")
	if end["signal"] != "AUTO_END" || end["reason"] != "all_students_submitted" {
		t.Fatalf("auto end = %v", end)
	}
	if msg, _ := end["message"].(string); strings.TrimSpace(msg) == "" {
		t.Fatalf("auto end message is empty: %v", end)
	}
}

func TestPingAndMalformedFrames(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.connect(t, "s1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	send(t, conn, map[string]any{"type": "teleport"})
	send(t, conn, map[string]any{"type": "join_room"})
	send(t, conn, map[string]any{"type": "ping"})
	pong := readType(t, conn, "pong")
	if _, ok := pong["timestamp"].(float64); !ok {
		t.Fatalf("pong = %v", pong)
	}
	if !env.services.Registry.Connected("s1") {
		t.Fatal("malformed frames must not disconnect")
	}
}

func TestSilentConnectionReceivesHeartbeat(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withHeartbeat(50*time.Millisecond))
	conn := env.connect(t, "s1")

	beat := readType(t, conn, "heartbeat")
	if _, ok := beat["timestamp"].(float64); !ok {
		t.Fatalf("heartbeat = %v", beat)
	}
	readType(t, conn, "heartbeat")
}

func TestRequestImageForUnknownSessionSendsNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.connect(t, "teacher")
	send(t, conn, map[string]any{"type": "request_image", "session_id": "missing"})

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		kind, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.BinaryMessage {
			t.Fatal("unexpected binary frame")
		}
	}
}
