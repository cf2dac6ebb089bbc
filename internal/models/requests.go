package models

// ComposeOperationRequest is the body for compose project operation
// endpoints (up, down, build, pull, restart, start, stop).
type ComposeOperationRequest struct {
	ProjectName string `json:"project_name" binding:"required,min=1,max=128"`
	ProjectPath string `json:"project_path" binding:"required,min=1,max=512"`
}

// ContainerOperationRequest carries optional parameters for container
// operation endpoints. The container id comes from the URL path.
type ContainerOperationRequest struct {
	// Timeout in seconds for stop/restart; zero means the engine default.
	Timeout int `json:"timeout" binding:"omitempty,min=0,max=3600"`
	// Force removal of a running container (remove only).
	Force bool `json:"force"`
}

// OperationListQuery binds the query parameters of GET /operations.
type OperationListQuery struct {
	Type        string `form:"type"`
	Status      string `form:"status"`
	UserID      uint   `form:"userId"`
	ProjectName string `form:"projectName"`
	StartDate   string `form:"startDate"`
	EndDate     string `form:"endDate"`
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"pageSize,default=20"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=10,max=72"`
	Name     string `json:"name" binding:"required,min=1,max=128"`
}

// RefreshRequest is the body for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
