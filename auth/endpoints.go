package auth

// Endpoints are the backend paths used for the session lifecycle.
type Endpoints struct {
	Login    string
	Register string
	Me       string
}

// DefaultEndpoints match the backend's auth routes.
var DefaultEndpoints = Endpoints{
	Login:    "/auth/login",
	Register: "/auth/register",
	Me:       "/auth/me",
}
