package server

import (
	"time"

	"github.com/sirupsen/logrus"
)

func (s *Server) runSweeper() {
	ticker := time.NewTicker(s.cfg.Timeouts.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// Sweep ends calls that rang for longer than the ring timeout and aborts
// transfers idle for longer than the transfer timeout. The background
// sweeper calls it every sweep interval; tests call it directly.
func (s *Server) Sweep() {
	for _, expired := range s.calls.Expire(s.cfg.Timeouts.Ring) {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"caller":   expired.Caller,
			"callee":   expired.Callee,
		}).Info("Ringing call timed out")
		s.metrics.CallExpired()
		s.finishCall(expired, expired.Caller)
	}

	for _, tr := range s.transfers.Expire(s.cfg.Timeouts.Transfer) {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"transfer": tr.Key.String(),
			"received": tr.Received,
			"expected": tr.Expected,
		}).Warn("Transfer timed out")
		s.metrics.TransferExpired(tr.Kind.String())
		s.sendAbort(tr, true)
	}

	s.metrics.SetActiveCalls(s.calls.Len())
	s.metrics.SetActiveGroupCalls(s.groupCalls.Len())
	s.metrics.SetActiveTransfers(s.transfers.Len())
}
