// Package grpcserver exposes the presence gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	pb "github.com/and161185/presence/internal/api/presencev1"
	"github.com/and161185/presence/internal/auth"
	"github.com/and161185/presence/internal/convert"
	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	pb.UnimplementedPresenceServer
	sessions   service.SessionService
	attendance service.AttendanceService
}

// New constructs a gRPC server with injected services.
func New(sessions service.SessionService, attendance service.AttendanceService) *Server {
	return &Server{sessions: sessions, attendance: attendance}
}

var _ pb.PresenceServer = (*Server)(nil)

// statusFromErr maps service sentinels to gRPC codes.
func statusFromErr(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, "not the session owner")
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// --- Sessions ---

// CreateSession stores a new inactive session owned by the caller.
func (s *Server) CreateSession(ctx context.Context, req *pb.CreateSessionRequest) (*pb.SessionResponse, error) {
	who, err := requireRole(ctx, auth.RoleStaff)
	if err != nil {
		return nil, err
	}
	m, err := s.sessions.Create(ctx, who.UserID, convert.FromCreateSession(req))
	if err != nil {
		return nil, statusFromErr("create session", err)
	}
	return &pb.SessionResponse{Session: convert.ToAPISession(m)}, nil
}

// StartSession activates a session and starts its token rotation.
func (s *Server) StartSession(ctx context.Context, req *pb.StartSessionRequest) (*pb.SessionResponse, error) {
	who, err := requireRole(ctx, auth.RoleStaff)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("session_id", req.SessionID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	m, err := s.sessions.Start(ctx, who.UserID, id)
	if err != nil {
		return nil, statusFromErr("start session", err)
	}
	return &pb.SessionResponse{Session: convert.ToAPISession(m)}, nil
}

// EndSession ends a session and disconnects its displays.
func (s *Server) EndSession(ctx context.Context, req *pb.EndSessionRequest) (*pb.EndSessionResponse, error) {
	who, err := requireRole(ctx, auth.RoleStaff)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("session_id", req.SessionID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.sessions.End(ctx, who.UserID, id); err != nil {
		return nil, statusFromErr("end session", err)
	}
	return &pb.EndSessionResponse{}, nil
}

// --- Attendance ---

// Submit runs one proof submission. Every outcome is an OK response except
// storage failures (Unavailable) and throttling (ResourceExhausted).
func (s *Server) Submit(ctx context.Context, req *pb.SubmitRequest) (*pb.SubmitResponse, error) {
	who, err := requireRole(ctx, auth.RoleStudent)
	if err != nil {
		return nil, err
	}
	mode, err := convert.ParseMode(req.Mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Payload == "" {
		return nil, status.Error(codes.InvalidArgument, "empty payload")
	}

	res, err := s.attendance.Submit(ctx, who.UserID, mode, req.Payload, remoteIP(ctx))
	if res.Outcome != 0 {
		noteOutcome(ctx, res.Outcome.String())
	}
	switch {
	case errors.Is(err, errs.ErrValidation):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil || res.Outcome == service.OutcomeStorageError:
		return nil, status.Error(codes.Unavailable, convert.OutcomeMessage(service.OutcomeStorageError))
	case res.Outcome == service.OutcomeRateLimited:
		return nil, status.Error(codes.ResourceExhausted,
			fmt.Sprintf("%s retry after %s", convert.OutcomeMessage(res.Outcome), res.RetryAfter.Round(time.Second)))
	}
	return convert.ToSubmitResponse(res), nil
}

// ListAttendance returns a session's marks to its owner.
func (s *Server) ListAttendance(ctx context.Context, req *pb.ListAttendanceRequest) (*pb.AttendanceList, error) {
	who, err := requireRole(ctx, auth.RoleStaff)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("session_id", req.SessionID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	recs, err := s.attendance.ListBySession(ctx, who.UserID, id)
	if err != nil {
		return nil, statusFromErr("list attendance", err)
	}
	return &pb.AttendanceList{Records: convert.ToAPIRecords(recs)}, nil
}

// MyAttendance returns the calling student's history.
func (s *Server) MyAttendance(ctx context.Context, _ *pb.MyAttendanceRequest) (*pb.AttendanceList, error) {
	who, err := requireRole(ctx, auth.RoleStudent)
	if err != nil {
		return nil, err
	}
	recs, err := s.attendance.ListByStudent(ctx, who.UserID)
	if err != nil {
		return nil, statusFromErr("my attendance", err)
	}
	return &pb.AttendanceList{Records: convert.ToAPIRecords(recs)}, nil
}
