package server

import "fairquest/internal/domain"

// Request payloads

type LoginRequest struct {
	Code string `json:"code"`
}

type ProgressRequest struct {
	Progress int `json:"progress"`
}

type TicketUseRequest struct {
	OwnerID   int64  `json:"ownerId"`
	MissionID string `json:"missionId"`
}

// Response payloads

type LoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type TicketUseResponse struct {
	MissionID string `json:"missionId"`
}
