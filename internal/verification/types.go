package verification

import (
	"errors"
	"time"
)

// Method is one of the closed set of proof-of-delivery factors.
type Method string

const (
	MethodOTP       Method = "otp"
	MethodPhoto     Method = "photo"
	MethodSignature Method = "signature"
	MethodGeofence  Method = "geofence"
	MethodCode      Method = "code"
)

// ValidMethod reports whether m names a known factor.
func ValidMethod(m Method) bool {
	switch m {
	case MethodOTP, MethodPhoto, MethodSignature, MethodGeofence, MethodCode:
		return true
	}
	return false
}

// OTP verification outcome reasons. These are success-shaped responses, not
// transport errors: the HTTP layer returns them as 200 {valid:false, reason}.
const (
	ReasonNoOTPGenerated  = "no_otp_generated"
	ReasonNoPendingOTP    = "no_pending_otp"
	ReasonOTPExpired      = "otp_expired"
	ReasonMaxAttempts     = "max_attempts_exceeded"
	ReasonInvalidOTP      = "invalid_otp"
	ReasonAlreadyVerified = "already_verified"
	ReasonInvalidFallback = "invalid_code"
)

// MaxOTPAttempts bounds verify calls per OTP record.
const MaxOTPAttempts = 5

// MaxPhotoBytes caps pre-encryption photo size at 5 MiB.
const MaxPhotoBytes = 5 << 20

var (
	// ErrNotFound means no verification was initialised for the delivery.
	ErrNotFound = errors.New("verification not found")
	// ErrInvalidInput rejects malformed parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPhotoTooLarge rejects photos over the 5 MiB cap.
	ErrPhotoTooLarge = errors.New("photo exceeds size limit")
)

// OTPResult is the outcome of a verify call.
type OTPResult struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// PhotoMeta describes the stored proof photo.
type PhotoMeta struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	MIME   string `json:"mime"`
	Bytes  int    `json:"bytes"`
}

// Status is the externally visible verification state for a delivery.
type Status struct {
	DeliveryID  string    `json:"deliveryId"`
	Required    []Method  `json:"required"`
	Completed   []Method  `json:"completed"`
	Complete    bool      `json:"complete"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// GeofenceResult reports a geofence check.
type GeofenceResult struct {
	Within   bool    `json:"within"`
	Distance float64 `json:"distanceMeters"`
	Radius   float64 `json:"radiusMeters"`
}
