package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleRequester Role = "requester"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionRequest Action = "request"
	ActionAdmin   Action = "admin"
)

// Can reports whether role may perform action. Signing is not an action
// here: it is governed by the actor's signatory level.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleRequester:
		return action == ActionRead || action == ActionRequest
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleRequester, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

func Valid(role string) bool {
	return Normalize(role) == Role(role)
}
