package service

import planner "github.com/thenew-programer/tams-taqa-sub001"

type AssignmentCommitted struct {
	SessionID string `json:"session_id"`
	AnomalyID string `json:"anomaly_id"`
	WindowID  string `json:"window_id"`
	Score     int    `json:"score"`
	Reason    string `json:"reason"`
	NewWindow bool   `json:"new_window"`
}

type WindowCreated struct {
	SessionID string                    `json:"session_id"`
	Window    planner.MaintenanceWindow `json:"window"`
}

type PassCompleted struct {
	SessionID      string  `json:"session_id"`
	Assigned       int     `json:"assigned"`
	Failed         int     `json:"failed"`
	Unassigned     int     `json:"unassigned"`
	WindowsCreated int     `json:"windows_created"`
	Score          float64 `json:"optimization_score"`
	Message        string  `json:"message"`
}
