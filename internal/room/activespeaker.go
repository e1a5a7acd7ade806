package room

import (
	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

func (r *Room) handleAudioLevels(ev engine.ObserverEvent) {
	var n models.ActiveSpeakerNotification

	switch ev.Type {
	case engine.ObserverEventVolumes:
		if len(ev.Volumes) == 0 {
			return
		}
		loudest := ev.Volumes[0]
		peerID, _ := loudest.Producer.AppData().String("peerId")
		volume := loudest.Volume
		n = models.ActiveSpeakerNotification{PeerID: &peerID, Volume: &volume}
	case engine.ObserverEventSilence:
	default:
		return
	}

	for _, s := range r.joinedSessions(nil) {
		r.notify(s, models.NotifyActiveSpeaker, n)
	}
}
