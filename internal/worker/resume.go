package worker

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/session"
)

const resumeTimeout = 5 * time.Second

// withResumption returns a copy of base whose session tickets are random
// ids of state kept by the controller, so any worker can resume them.
func withResumption(base *tls.Config, ch *channel) *tls.Config {
	cfg := base.Clone()
	cfg.WrapSession = func(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		id, err := session.NewID()
		if err != nil {
			return nil, err
		}
		data, err := ss.Bytes()
		if err != nil {
			return nil, err
		}
		if len(data) > session.MaxDataSize {
			// still a valid ticket, it just never resumes
			return id.Bytes(), nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		m, files, err := ch.Request(ctx, ipc.Message{
			Command: ipc.ResumeStoreReq,
			Payload: &ipc.ResumeStore{ID: id.Bytes(), Data: data},
		})
		ipc.CloseFiles(files)
		if err != nil {
			return nil, err
		}
		if m.Result != ipc.ResultOK {
			ch.log.Debug("resumption state not stored", "result", m.Result.String())
		}
		return id.Bytes(), nil
	}
	cfg.UnwrapSession = func(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
		if len(identity) != session.IDSize {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		m, files, err := ch.Request(ctx, ipc.Message{
			Command: ipc.ResumeFetchReq,
			Payload: &ipc.ResumeKey{ID: identity},
		})
		ipc.CloseFiles(files)
		if err != nil {
			return nil, err
		}
		d, err := ipc.Payload[ipc.ResumeData](m)
		if err != nil || len(d.Data) == 0 {
			return nil, nil
		}
		ss, err := tls.ParseSessionState(d.Data)
		if err != nil {
			ch.log.Debug("discarding unreadable resumption state", "error", err)
			return nil, nil
		}
		return ss, nil
	}
	return cfg
}
