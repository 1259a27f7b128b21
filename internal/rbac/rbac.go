package rbac

type Role string
type Action string

const (
	RoleViewer     Role = "viewer"
	RoleCaseworker Role = "caseworker"
	RoleReviewer   Role = "reviewer"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionReview  Action = "review"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionComment || action == ActionWrite || action == ActionReview
	case RoleCaseworker:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCaseworker, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
