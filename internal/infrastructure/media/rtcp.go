package media

import (
	"time"

	"github.com/pion/rtcp"

	"callnet/internal/core/domain"
)

// logRTCP surfaces transport quality hints from receiver reports. Nothing
// here feeds back into signaling; degraded connectivity shows up through the
// ICE state callbacks instead.
func (e *Engine) logRTCP(user domain.UserID, packet rtcp.Packet) {
	switch p := packet.(type) {
	case *rtcp.ReceiverReport:
		for _, report := range p.Reports {
			if report.FractionLost == 0 {
				continue
			}
			loss := float64(report.FractionLost) / 255.0
			rtt := time.Duration(0)
			if report.LastSenderReport != 0 && report.Delay != 0 {
				rtt = time.Duration(report.Delay) * time.Second / 65536
			}
			e.logger.Debugw("receiver report",
				"user_id", string(user),
				"packet_loss", loss,
				"jitter", report.Jitter,
				"rtt", rtt,
			)
		}
	case *rtcp.TransportLayerNack:
		e.logger.Debugw("nack received", "user_id", string(user), "nacks", len(p.Nacks))
	}
}
