package landing

const (
	PermLandingRead  = "landing:read"
	PermLandingWrite = "landing:write"
)
