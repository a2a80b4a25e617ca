package devserver

const (
	RouteLogin    = "/auth/login"
	RouteRegister = "/auth/register"
	RouteRefresh  = "/auth/refresh"
	RouteMe       = "/auth/me"
	RouteCourses  = "/courses/"
)
