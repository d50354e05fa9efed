// Package rpc is the worker's single dispatch point: it validates a
// request frame's origin, routes by method name to the orchestrator
// handler, and renders the result (or a stable error code) back into a
// response frame. The switchyard shape — one function, one switch, one
// handler per method — keeps the full RPC surface greppable in one
// place.
package rpc

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/journal"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/orchestrator"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/transport"
)

// Server dispatches transport frames to an Orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	originOK transport.OriginValidator
}

// NewServer wires a dispatch server over orch. originOK guards every
// frame; pass transport.AllowOrigins(...) with the host's origin.
func NewServer(orch *orchestrator.Orchestrator, originOK transport.OriginValidator) *Server {
	return &Server{orch: orch, originOK: originOK}
}

// credentials is the wire shape of the AuthCredentials tagged sum.
type credentials struct {
	Method     string `json:"method"`
	UserID     string `json:"userId"`
	Passphrase string `json:"passphrase,omitempty"`
	PRFOutput  []byte `json:"prfOutput,omitempty"`
	Pepper     []byte `json:"pepper,omitempty"`
}

func (c credentials) toOrchestrator() orchestrator.Credentials {
	return orchestrator.Credentials{
		Method:     enrollment.Method(c.Method),
		UserID:     c.UserID,
		Passphrase: c.Passphrase,
		PRFOutput:  c.PRFOutput,
		Pepper:     c.Pepper,
	}
}

// HandleMessage processes one request frame and always returns a
// response frame carrying either a result or a stable error code.
func (s *Server) HandleMessage(origin string, req transport.Request) transport.Response {
	if s.originOK != nil && !s.originOK(origin) {
		return transport.Response{ID: req.ID, Error: rpcerr.New(rpcerr.CodeOriginRejected, "origin not permitted")}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	done := journal.EnterExit(req.ID, "", req.Method)
	result, err := s.dispatch(origin, req)
	done(err)

	if err != nil {
		var rErr *rpcerr.Error
		if !errors.As(err, &rErr) {
			rErr = rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		return transport.Response{ID: req.ID, Error: rErr}
	}
	return transport.Response{ID: req.ID, Result: result}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, rpcerr.New(rpcerr.CodeInvalidRequest, "missing params")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, rpcerr.New(rpcerr.CodeInvalidRequest, "malformed params")
	}
	return v, nil
}

// decodeOptional tolerates absent params, for status queries whose
// every field is optional.
func decodeOptional[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, rpcerr.New(rpcerr.CodeInvalidRequest, "malformed params")
	}
	return v, nil
}

func (s *Server) dispatch(origin string, req transport.Request) (any, error) {
	meta := orchestrator.ReqMeta{RequestID: req.ID, Origin: origin}

	switch req.Method {
	case "setupPassphrase":
		p, err := decode[struct {
			UserID     string `json:"userId"`
			Passphrase string `json:"passphrase"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		if p.UserID == "" || p.Passphrase == "" {
			return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "userId and passphrase are required")
		}
		return s.orch.SetupPassphrase(meta, p.UserID, p.Passphrase)

	case "setupPasskeyPRF":
		p, err := decode[struct {
			UserID       string `json:"userId"`
			CredentialID string `json:"credentialId"`
			PRFOutput    []byte `json:"prfOutput"`
			RPID         string `json:"rpId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		if p.UserID == "" || len(p.PRFOutput) == 0 {
			return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "userId and prfOutput are required")
		}
		return s.orch.SetupPasskeyPRF(meta, p.UserID, p.PRFOutput)

	case "setupPasskeyGate":
		p, err := decode[struct {
			UserID       string `json:"userId"`
			CredentialID string `json:"credentialId"`
			RPID         string `json:"rpId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "userId is required")
		}
		res, pepper, err := s.orch.SetupPasskeyGate(meta, p.UserID)
		if err != nil {
			return nil, err
		}
		return struct {
			*orchestrator.SetupResult
			Pepper []byte `json:"pepper"`
		}{res, pepper}, nil

	case "addEnrollment":
		p, err := decode[struct {
			Credentials    credentials `json:"credentials"`
			NewCredentials credentials `json:"newCredentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		res, pepper, err := s.orch.AddEnrollmentCredentials(meta, p.Credentials.toOrchestrator(), p.NewCredentials.toOrchestrator())
		if err != nil {
			return nil, err
		}
		if pepper != nil {
			return struct {
				*orchestrator.AddEnrollmentResult
				Pepper []byte `json:"pepper"`
			}{res, pepper}, nil
		}
		return res, nil

	case "removeEnrollment":
		p, err := decode[struct {
			EnrollmentID string      `json:"enrollmentId"`
			Credentials  credentials `json:"credentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		ok, err := s.orch.RemoveEnrollment(meta, p.Credentials.toOrchestrator(), p.EnrollmentID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"success": ok}, nil

	case "generateVAPID":
		p, err := decode[struct {
			Credentials credentials `json:"credentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.GenerateVAPID(meta, p.Credentials.toOrchestrator())

	case "regenerateVAPID":
		p, err := decode[struct {
			Credentials credentials `json:"credentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.RegenerateVAPID(meta, p.Credentials.toOrchestrator())

	case "getPublicKey":
		p, err := decode[struct {
			Kid string `json:"kid"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		pub, err := s.orch.GetPublicKey(p.Kid)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{"publicKey": pub}, nil

	case "getVAPIDKid":
		p, err := decodeOptional[struct {
			UserID string `json:"userId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		kid, err := s.orch.GetVAPIDKid(p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"kid": kid}, nil

	case "signJWT":
		p, err := decode[struct {
			Kid     string `json:"kid"`
			Payload struct {
				Aud string `json:"aud"`
				Sub string `json:"sub"`
				Exp int64  `json:"exp"`
				JTI string `json:"jti"`
			} `json:"payload"`
			Credentials credentials `json:"credentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		if p.Payload.Aud == "" {
			return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "payload.aud is required")
		}
		params := orchestrator.JWTParams{Aud: p.Payload.Aud, Sub: p.Payload.Sub, JTI: p.Payload.JTI}
		if p.Payload.Exp != 0 {
			params.Exp = time.Unix(p.Payload.Exp, 0).UTC()
		}
		return s.orch.SignJWT(meta, p.Kid, params, p.Credentials.toOrchestrator())

	case "createLease":
		p, err := decode[struct {
			UserID      string           `json:"userId"`
			Subs        []lease.Endpoint `json:"subs"`
			TTLHours    float64          `json:"ttlHours"`
			Credentials credentials      `json:"credentials"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.CreateLease(meta, p.UserID, p.Subs, p.TTLHours, p.Credentials.toOrchestrator())

	case "issueVAPIDJWT":
		p, err := decode[struct {
			LeaseID  string         `json:"leaseId"`
			Endpoint lease.Endpoint `json:"endpoint"`
			Kid      string         `json:"kid"`
			JTI      string         `json:"jti"`
			Exp      int64          `json:"exp"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		var exp time.Time
		if p.Exp != 0 {
			exp = time.Unix(p.Exp, 0).UTC()
		}
		return s.orch.IssueVAPIDJWT(meta, p.LeaseID, p.Endpoint, p.Kid, p.JTI, exp)

	case "issueVAPIDJWTs":
		p, err := decode[struct {
			LeaseID  string         `json:"leaseId"`
			Endpoint lease.Endpoint `json:"endpoint"`
			Count    int            `json:"count"`
			Kid      string         `json:"kid"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.IssueVAPIDJWTs(meta, p.LeaseID, p.Endpoint, p.Count, p.Kid)

	case "getUserLeases":
		p, err := decodeOptional[struct {
			UserID string `json:"userId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.GetUserLeases(p.UserID)

	case "verifyLease":
		p, err := decode[struct {
			LeaseID string `json:"leaseId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.VerifyLease(p.LeaseID)

	case "isSetup":
		p, err := decodeOptional[struct {
			UserID string `json:"userId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		ok, err := s.orch.IsSetup(p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"isSetup": ok}, nil

	case "getEnrollments":
		p, err := decodeOptional[struct {
			UserID string `json:"userId"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.GetEnrollments(p.UserID)

	case "verifyAuditChain":
		return s.orch.VerifyAuditChain()

	case "getAuditLog":
		p, err := decodeOptional[struct {
			AfterSeq uint64 `json:"afterSeq"`
			Limit    int    `json:"limit"`
		}](req.Params)
		if err != nil {
			return nil, err
		}
		return s.orch.GetAuditLog(p.AfterSeq, p.Limit)

	case "getAuditPublicKey":
		return s.orch.GetAuditPublicKey()

	case "resetKMS":
		ok, err := s.orch.ResetKMS()
		if err != nil {
			return nil, err
		}
		return map[string]bool{"success": ok}, nil

	default:
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "unknown method")
	}
}
