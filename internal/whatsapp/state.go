package whatsapp

import (
	"encoding/base64"
	"time"

	"github.com/lumavoz/conecta/internal/domain"
	qrcode "github.com/skip2/go-qrcode"
)

// action is a side effect the supervisor must execute after a transition.
// The transition function itself only computes the next instance snapshot.
type action interface {
	isAction()
}

type emitQR struct {
	DataURL string
}

type emitConnected struct {
	Phone       string
	ProfileName string
}

type emitDisconnected struct{}

type scheduleReconnect struct {
	Attempt int
}

type clearRetry struct{}

func (emitQR) isAction()            {}
func (emitConnected) isAction()     {}
func (emitDisconnected) isAction()  {}
func (scheduleReconnect) isAction() {}
func (clearRetry) isAction()        {}

// transition computes the next state of an instance for one socket event.
// attempts is the current retry count for the instance; the returned count
// replaces it. The caller owns all mutation: the input instance is copied,
// never modified.
func transition(inst domain.Instance, attempts, maxAttempts int, ev Event, now time.Time) (domain.Instance, int, []action) {
	inst.LastUpdate = now

	switch e := ev.(type) {
	case QREvent:
		dataURL, err := encodeQR(e.Code)
		if err != nil {
			msg := err.Error()
			inst.Status = domain.StatusQRError
			inst.LastError = &msg
			inst.QRCode = nil
			return inst, attempts, nil
		}
		inst.Status = domain.StatusWaitingQR
		inst.QRCode = &dataURL
		inst.Phone = nil
		inst.ProfileName = nil
		return inst, attempts, []action{emitQR{DataURL: dataURL}}

	case OpenEvent:
		inst.Status = domain.StatusConnected
		inst.Phone = &e.Phone
		inst.ProfileName = &e.ProfileName
		inst.QRCode = nil
		inst.LastError = nil
		inst.Attempts = 0
		inst.ConnectedAt = &now
		return inst, 0, []action{
			clearRetry{},
			emitConnected{Phone: e.Phone, ProfileName: e.ProfileName},
		}

	case CloseEvent:
		inst.QRCode = nil
		actions := []action{emitDisconnected{}}

		switch {
		case e.Cause == CauseLoggedOut:
			inst.Status = domain.StatusLoggedOut
			inst.Attempts = 0
			return inst, 0, append(actions, clearRetry{})

		case e.Cause == CauseConflict:
			inst.Status = domain.StatusError
			if e.Err != nil {
				msg := e.Err.Error()
				inst.LastError = &msg
			}
			return inst, 0, append(actions, clearRetry{})

		case attempts < maxAttempts:
			attempts++
			inst.Status = domain.StatusReconnecting
			inst.Attempts = attempts
			return inst, attempts, append(actions, scheduleReconnect{Attempt: attempts})

		default:
			inst.Status = domain.StatusError
			return inst, attempts, append(actions, clearRetry{})
		}
	}

	return inst, attempts, nil
}

// encodeQR renders the opaque pairing code as a scannable PNG data URL, the
// same encoding the dashboard consumes.
func encodeQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
