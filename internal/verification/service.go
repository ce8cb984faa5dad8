// Package verification implements multi-factor proof of delivery: OTP,
// photo, signature, geofence, and the HMAC fallback code.
//
// All state lives behind one lock; compound operations (OTP verify in
// particular) hold it for their full duration so attempt accounting cannot
// race.
package verification

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/codes"
	"github.com/123ashny/KENYASHIP/internal/crypto"
	"github.com/123ashny/KENYASHIP/internal/geo"
)

// DefaultGeofenceRadius is the hand-off radius when the caller gives none.
const DefaultGeofenceRadius = 100.0

// Service owns all verification state for in-flight deliveries.
type Service struct {
	mu sync.Mutex

	cipher     *crypto.Cipher
	hmacSecret []byte
	audit      *access.Log
	logger     *zap.Logger

	otpTTL time.Duration
	otpLen int

	records map[string]*record

	// OnComplete, when set, is invoked (outside the lock) after a
	// verification transitions to complete.
	OnComplete func(deliveryID string, methods []Method)
}

type record struct {
	id          string
	required    []Method
	completed   []Method
	complete    bool
	completedAt time.Time
	createdAt   time.Time

	otp       *otpRecord
	photo     *photoRecord
	signature *signatureRecord
}

type otpRecord struct {
	id           string
	recipientID  string
	secret       string // base32 TOTP secret; never leaves the process
	expiresAt    time.Time
	attemptCount int
	verified     bool
	verifiedAt   time.Time
}

type photoRecord struct {
	id         string
	ciphertext string
	meta       PhotoMeta
	capturedAt time.Time
}

type signatureRecord struct {
	id           string
	ciphertext   string
	hash         string
	signerNameCt string
	capturedAt   time.Time
}

// NewService builds the verifier. otpTTL and otpLen are assumed validated by
// config ([60s,900s] and [4,8]).
func NewService(cipher *crypto.Cipher, hmacSecret string, otpTTL time.Duration, otpLen int, audit *access.Log, logger *zap.Logger) *Service {
	return &Service{
		cipher:     cipher,
		hmacSecret: []byte(hmacSecret),
		audit:      audit,
		logger:     logger,
		otpTTL:     otpTTL,
		otpLen:     otpLen,
		records:    make(map[string]*record),
	}
}

// Initialize registers the required factor set for a delivery. Re-initialising
// an existing, incomplete verification replaces the requirement set; a
// completed one is left untouched.
func (s *Service) Initialize(actor access.Identity, deliveryID string, required []Method) (Status, error) {
	if deliveryID == "" {
		return Status{}, fmt.Errorf("%w: delivery id is required", ErrInvalidInput)
	}
	if len(required) == 0 {
		return Status{}, fmt.Errorf("%w: at least one method is required", ErrInvalidInput)
	}
	for _, m := range required {
		if !ValidMethod(m) {
			return Status{}, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, m)
		}
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if ok && rec.complete {
		st := statusOf(deliveryID, rec)
		s.mu.Unlock()
		return st, nil
	}
	if !ok {
		rec = &record{id: uuid.NewString(), createdAt: time.Now().UTC()}
		s.records[deliveryID] = rec
	}
	rec.required = append([]Method(nil), required...)
	st := statusOf(deliveryID, rec)
	s.mu.Unlock()

	s.audit.Record(actor, "verification.initialize", "delivery_verification", deliveryID, access.ResultSuccess,
		map[string]interface{}{"required": required})
	return st, nil
}

// GenerateOTP lazily creates the per-delivery TOTP secret and emits a token.
// The secret stays in process memory; only the token and its expiry leave.
func (s *Service) GenerateOTP(actor access.Identity, deliveryID, recipientID string) (string, time.Time, error) {
	if deliveryID == "" || recipientID == "" {
		return "", time.Time{}, fmt.Errorf("%w: delivery and recipient ids are required", ErrInvalidInput)
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok {
		s.mu.Unlock()
		return "", time.Time{}, ErrNotFound
	}
	if rec.otp == nil {
		secret, err := newTOTPSecret()
		if err != nil {
			s.mu.Unlock()
			return "", time.Time{}, err
		}
		rec.otp = &otpRecord{id: uuid.NewString(), recipientID: recipientID, secret: secret}
	}

	now := time.Now().UTC()
	token, err := totp.GenerateCodeCustom(rec.otp.secret, now, s.totpOpts())
	if err != nil {
		s.mu.Unlock()
		return "", time.Time{}, fmt.Errorf("generating otp: %w", err)
	}
	rec.otp.expiresAt = now.Add(s.otpTTL)
	expiresAt := rec.otp.expiresAt
	s.mu.Unlock()

	s.audit.Record(actor, "verification.otp.generate", "otp_record", deliveryID, access.ResultSuccess, nil)
	return token, expiresAt, nil
}

// VerifyOTP checks a presented token. Every counted attempt increments
// attemptCount — including the successful one, so a replay of a consumed
// token reads as invalid rather than as a second success.
func (s *Service) VerifyOTP(actor access.Identity, deliveryID, token string) (OTPResult, error) {
	if deliveryID == "" {
		return OTPResult{}, fmt.Errorf("%w: delivery id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok || rec.otp == nil {
		s.mu.Unlock()
		s.auditOTP(actor, deliveryID, access.ResultFailure, ReasonNoOTPGenerated)
		return OTPResult{Valid: false, Reason: ReasonNoOTPGenerated}, nil
	}
	o := rec.otp

	if o.verified {
		s.mu.Unlock()
		return OTPResult{Valid: false, Reason: ReasonAlreadyVerified}, nil
	}
	if o.expiresAt.IsZero() {
		s.mu.Unlock()
		s.auditOTP(actor, deliveryID, access.ResultFailure, ReasonNoPendingOTP)
		return OTPResult{Valid: false, Reason: ReasonNoPendingOTP}, nil
	}
	now := time.Now().UTC()
	if now.After(o.expiresAt) {
		s.mu.Unlock()
		s.auditOTP(actor, deliveryID, access.ResultFailure, ReasonOTPExpired)
		return OTPResult{Valid: false, Reason: ReasonOTPExpired}, nil
	}
	if o.attemptCount >= MaxOTPAttempts {
		s.mu.Unlock()
		s.auditOTP(actor, deliveryID, access.ResultFailure, ReasonMaxAttempts)
		return OTPResult{Valid: false, Reason: ReasonMaxAttempts}, nil
	}

	// The TOTP library's comparison is constant time; ±1 step of skew
	// tolerates clock drift between phone and server.
	valid, err := totp.ValidateCustom(strings.TrimSpace(token), o.secret, now, s.totpOpts())
	if err != nil {
		valid = false
	}
	o.attemptCount++

	if !valid {
		remaining := MaxOTPAttempts - o.attemptCount
		s.mu.Unlock()
		s.auditOTP(actor, deliveryID, access.ResultFailure, ReasonInvalidOTP)
		return OTPResult{Valid: false, Reason: ReasonInvalidOTP, Remaining: &remaining}, nil
	}

	o.verified = true
	o.verifiedAt = now
	completed := s.completeLocked(rec, MethodOTP)
	s.mu.Unlock()

	s.auditOTP(actor, deliveryID, access.ResultSuccess, "")
	s.fireComplete(deliveryID, completed)
	return OTPResult{Valid: true}, nil
}

// StorePhoto encrypts and stores the proof-of-delivery photo.
func (s *Service) StorePhoto(actor access.Identity, deliveryID string, data []byte, meta PhotoMeta) error {
	if deliveryID == "" || len(data) == 0 {
		return fmt.Errorf("%w: delivery id and photo bytes are required", ErrInvalidInput)
	}
	if len(data) > MaxPhotoBytes {
		return ErrPhotoTooLarge
	}

	ct, err := s.cipher.Encrypt(data, deliveryID)
	if err != nil {
		return fmt.Errorf("encrypting photo: %w", err)
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	meta.Bytes = len(data)
	rec.photo = &photoRecord{
		id:         uuid.NewString(),
		ciphertext: ct,
		meta:       meta,
		capturedAt: time.Now().UTC(),
	}
	completed := s.completeLocked(rec, MethodPhoto)
	s.mu.Unlock()

	s.audit.Record(actor, "verification.photo.store", "delivery_photo", deliveryID, access.ResultSuccess,
		map[string]interface{}{"bytes": meta.Bytes, "mime": meta.MIME})
	s.fireComplete(deliveryID, completed)
	return nil
}

// StoreSignature hashes the plaintext signature, then encrypts it. The stored
// hash pins the ciphertext: sha256(decrypt(ct)) must equal it forever.
func (s *Service) StoreSignature(actor access.Identity, deliveryID string, data []byte, signerName string) error {
	if deliveryID == "" || len(data) == 0 {
		return fmt.Errorf("%w: delivery id and signature bytes are required", ErrInvalidInput)
	}

	hash := crypto.SHA256Hex(data)
	ct, err := s.cipher.Encrypt(data, deliveryID)
	if err != nil {
		return fmt.Errorf("encrypting signature: %w", err)
	}
	var nameCt string
	if signerName != "" {
		nameCt, err = s.cipher.Encrypt([]byte(signerName), deliveryID)
		if err != nil {
			return fmt.Errorf("encrypting signer name: %w", err)
		}
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.signature = &signatureRecord{
		id:           uuid.NewString(),
		ciphertext:   ct,
		hash:         hash,
		signerNameCt: nameCt,
		capturedAt:   time.Now().UTC(),
	}
	completed := s.completeLocked(rec, MethodSignature)
	s.mu.Unlock()

	s.audit.Record(actor, "verification.signature.store", "delivery_signature", deliveryID, access.ResultSuccess, nil)
	s.fireComplete(deliveryID, completed)
	return nil
}

// VerifyGeofence checks the driver is within radius meters of the delivery
// point. An audit entry is written whatever the outcome.
func (s *Service) VerifyGeofence(actor access.Identity, deliveryID string, driverLoc, deliveryLoc geo.Coordinates, radius float64) (GeofenceResult, error) {
	if deliveryID == "" {
		return GeofenceResult{}, fmt.Errorf("%w: delivery id is required", ErrInvalidInput)
	}
	if !driverLoc.Valid() || !deliveryLoc.Valid() {
		return GeofenceResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, geo.ErrOutOfRange)
	}
	if radius <= 0 {
		radius = DefaultGeofenceRadius
	}

	distance := geo.Haversine(driverLoc, deliveryLoc)
	result := GeofenceResult{Within: distance <= radius, Distance: distance, Radius: radius}

	auditResult := access.ResultFailure
	var completed []Method
	if result.Within {
		auditResult = access.ResultSuccess
		s.mu.Lock()
		if rec, ok := s.records[deliveryID]; ok {
			completed = s.completeLocked(rec, MethodGeofence)
		}
		s.mu.Unlock()
	}
	s.audit.Record(actor, "verification.geofence.verify", "delivery_verification", deliveryID, auditResult,
		map[string]interface{}{"within": result.Within, "distance_m": int(distance)})
	s.fireComplete(deliveryID, completed)
	return result, nil
}

// Fallback accepts the HMAC-derived emergency hand-off code: the first eight
// hex chars of HMAC-SHA256(secret, deliveryId), upper-cased. A match marks
// the whole verification complete with the single method "code".
func (s *Service) Fallback(actor access.Identity, deliveryID, code string) (OTPResult, error) {
	if deliveryID == "" {
		return OTPResult{}, fmt.Errorf("%w: delivery id is required", ErrInvalidInput)
	}

	expected := strings.ToUpper(crypto.HMACHex(s.hmacSecret, deliveryID)[:8])
	if !codes.Validate(code, expected) {
		s.audit.Record(actor, "verification.fallback", "delivery_verification", deliveryID, access.ResultFailure, nil)
		return OTPResult{Valid: false, Reason: ReasonInvalidFallback}, nil
	}

	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok {
		rec = &record{id: uuid.NewString(), createdAt: time.Now().UTC(), required: []Method{MethodCode}}
		s.records[deliveryID] = rec
	}
	var completedAt time.Time
	if !rec.complete {
		rec.completed = []Method{MethodCode}
		rec.complete = true
		rec.completedAt = time.Now().UTC()
	}
	completedAt = rec.completedAt
	s.mu.Unlock()

	s.audit.Record(actor, "verification.fallback", "delivery_verification", deliveryID, access.ResultSuccess,
		map[string]interface{}{"completedAt": completedAt})
	s.fireComplete(deliveryID, []Method{MethodCode})
	return OTPResult{Valid: true}, nil
}

// Status returns the verification state for a delivery.
func (s *Service) Status(deliveryID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deliveryID]
	if !ok {
		return Status{}, ErrNotFound
	}
	return statusOf(deliveryID, rec), nil
}

// Pending returns the factors still outstanding.
func (s *Service) Pending(deliveryID string) ([]Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	return pendingOf(rec), nil
}

// Photo returns the decrypted proof photo. Exposing the bytes is a sensitive
// read and is audited.
func (s *Service) Photo(actor access.Identity, deliveryID string) ([]byte, PhotoMeta, error) {
	s.mu.Lock()
	rec, ok := s.records[deliveryID]
	if !ok || rec.photo == nil {
		s.mu.Unlock()
		return nil, PhotoMeta{}, ErrNotFound
	}
	ct, meta := rec.photo.ciphertext, rec.photo.meta
	s.mu.Unlock()

	data, err := s.cipher.Decrypt(ct, deliveryID)
	if err != nil {
		s.logger.Error("photo ciphertext failed to open", zap.String("deliveryId", deliveryID), zap.Error(err))
		return nil, PhotoMeta{}, err
	}
	s.audit.Record(actor, "verification.photo.read", "delivery_photo", deliveryID, access.ResultSuccess, nil)
	return data, meta, nil
}

// PruneBefore drops completed verifications older than the cutoff. Called by
// the retention sweep.
func (s *Service) PruneBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.complete && !rec.completedAt.IsZero() && rec.completedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// completeLocked marks a factor done and flips the terminal complete flag
// once required ⊆ completed. Returns the completed set when the record just
// transitioned, nil otherwise. Caller holds s.mu.
func (s *Service) completeLocked(rec *record, m Method) []Method {
	if rec.complete {
		return nil
	}
	if !containsMethod(rec.completed, m) {
		rec.completed = append(rec.completed, m)
	}
	for _, req := range rec.required {
		if !containsMethod(rec.completed, req) {
			return nil
		}
	}
	rec.complete = true
	rec.completedAt = time.Now().UTC()
	return append([]Method(nil), rec.completed...)
}

func (s *Service) fireComplete(deliveryID string, methods []Method) {
	if methods == nil || s.OnComplete == nil {
		return
	}
	s.OnComplete(deliveryID, methods)
}

func (s *Service) auditOTP(actor access.Identity, deliveryID string, result access.Result, reason string) {
	meta := map[string]interface{}{}
	if reason != "" {
		meta["reason"] = reason
	}
	s.audit.Record(actor, "verification.otp.verify", "otp_record", deliveryID, result, meta)
}

func (s *Service) totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.otpTTL.Seconds()),
		Skew:      1,
		Digits:    otp.Digits(s.otpLen),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func newTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating otp secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(raw), nil
}

func statusOf(deliveryID string, rec *record) Status {
	return Status{
		DeliveryID:  deliveryID,
		Required:    append([]Method(nil), rec.required...),
		Completed:   append([]Method(nil), rec.completed...),
		Complete:    rec.complete,
		CompletedAt: rec.completedAt,
	}
}

func pendingOf(rec *record) []Method {
	var out []Method
	for _, req := range rec.required {
		if !containsMethod(rec.completed, req) {
			out = append(out, req)
		}
	}
	if out == nil {
		out = []Method{}
	}
	return out
}

func containsMethod(list []Method, m Method) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}
