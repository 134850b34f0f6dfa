package model

import "context"

// Role is a normalized role token such as "PCM" or "ACTION_OFFICER". Raw role
// strings from upstream data are resolved to a Role by the role gate; Role
// values compare exactly.
type Role string

// Role tokens recognized by the default alias table.
const (
	RoleOPR           Role = "OPR"
	RolePCM           Role = "PCM"
	RoleAFDPO         Role = "AFDPO"
	RoleActionOfficer Role = "ACTION_OFFICER"
	RoleCoordinator   Role = "COORDINATOR"
	RoleLegal         Role = "LEGAL"
	RoleLeadership    Role = "LEADERSHIP"
	RoleAdmin         Role = "ADMIN"
)

// RoleUnmapped is reported as the resolved role of a caller whose raw role
// string is not in the alias table.
const RoleUnmapped Role = "<unmapped>"

// RoleDirectory resolves an actor id to the raw role string recorded for the
// actor in the user directory.
type RoleDirectory interface {
	RoleOf(ctx context.Context, actorID string) (string, error)
}

// RoleReviewer is the generic reviewer token used by distributed review
// stages.
const RoleReviewer Role = "REVIEWER"
