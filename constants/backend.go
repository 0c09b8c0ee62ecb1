package constants

// BackendID identifies one of the two segmentation backends.
type BackendID string

const (
	BackendNone      BackendID = "NONE"
	BackendPrimary   BackendID = "PRIMARY"
	BackendSecondary BackendID = "SECONDARY"
)

// DeviceMode says where the resident backend runs its inference.
type DeviceMode string

const (
	DeviceAccelerated DeviceMode = "ACCELERATED"
	DeviceHostOnly    DeviceMode = "HOST_ONLY"
)
