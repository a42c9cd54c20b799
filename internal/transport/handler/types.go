package handler

// UploadImageParams are the optional form fields of an upload. Zero values
// fall back to the deployment defaults in config.UploadConfig.
type UploadImageParams struct {
	Convert          *bool
	Format           string `validate:"omitempty,oneof=webp jpg jpeg png gif bmp tiff tif"`
	Quality          int    `validate:"gte=0,lte=100"`
	Lossless         *bool
	PreserveAnimated *bool
	Public           *bool
}

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

type HealthStatus struct {
	Status string `json:"status"`
	Ledger string `json:"ledger"`
}
