package auth

// Known OAuth scopes used by the service.
const (
	ScopePledgesWrite = "pledges:write"
	ScopePledgesRead  = "pledges:read"
)
