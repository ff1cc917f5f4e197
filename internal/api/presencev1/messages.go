package presencev1

// Session is a session as seen by its owner.
type Session struct {
	ID          string `json:"id"`
	StaffID     string `json:"staff_id"`
	Subject     string `json:"subject"`
	Year        int    `json:"year"`
	Semester    int    `json:"semester"`
	Mode        string `json:"mode"`
	IsActive    bool   `json:"is_active"`
	StartedAtMs int64  `json:"started_at_ms,omitempty"`
	EndedAtMs   int64  `json:"ended_at_ms,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type CreateSessionRequest struct {
	Subject  string `json:"subject"`
	Year     int    `json:"year"`
	Semester int    `json:"semester"`
	Mode     string `json:"mode"`
}

type StartSessionRequest struct {
	SessionID string `json:"session_id"`
}

type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

type EndSessionResponse struct{}

// SessionResponse is returned by CreateSession and StartSession.
type SessionResponse struct {
	Session *Session `json:"session"`
}

type SubmitRequest struct {
	Mode    string `json:"mode"`
	Payload string `json:"payload"`
}

// SubmitResponse carries the terminal outcome of one submission.
type SubmitResponse struct {
	Outcome    string `json:"outcome"`
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
	MarkedAtMs int64  `json:"marked_at_ms,omitempty"`
}

type AttendanceRecord struct {
	SessionID  string `json:"session_id"`
	StudentID  string `json:"student_id"`
	MarkedAtMs int64  `json:"marked_at_ms"`
}

type ListAttendanceRequest struct {
	SessionID string `json:"session_id"`
}

type MyAttendanceRequest struct{}

// AttendanceList is returned by ListAttendance and MyAttendance.
type AttendanceList struct {
	Records []AttendanceRecord `json:"records"`
}
