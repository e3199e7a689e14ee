package region

import (
	"sync"

	"github.com/google/uuid"
)

type parcelState struct {
	mu            sync.Mutex
	currentID     uuid.UUID
	previousID    uuid.UUID
	currentHides  bool
	previousHides bool
}

// CurrentParcel reports the parcel binding and its privacy.
func (p *Presence) CurrentParcel() (id uuid.UUID, hides bool) {
	p.parcel.mu.Lock()
	defer p.parcel.mu.Unlock()
	return p.parcel.currentID, p.parcel.currentHides
}

func (p *Presence) clearParcelState() {
	p.parcel.mu.Lock()
	p.parcel.currentID = uuid.Nil
	p.parcel.previousID = uuid.Nil
	p.parcel.currentHides = false
	p.parcel.previousHides = false
	p.parcel.mu.Unlock()
}

// parcelCheck rebinds the parcel when the presence moved across a boundary
// and replays visibility to every affected peer. The (previous, current)
// pair is swapped under the parcel lock so peers never observe a torn state.
func (p *Presence) parcelCheck() {
	if p.region.land == nil || p.IsChild() {
		return
	}
	pos := p.AbsolutePosition()
	land, ok := p.region.land.LandAt(pos.X, pos.Y)
	if !ok {
		return
	}

	p.parcel.mu.Lock()
	if land.ParcelID == p.parcel.currentID {
		p.parcel.mu.Unlock()
		return
	}
	p.parcel.previousID = p.parcel.currentID
	p.parcel.previousHides = p.parcel.currentHides
	p.parcel.currentID = land.ParcelID
	p.parcel.currentHides = !land.SeeAvatars
	prevID, prevHides := p.parcel.previousID, p.parcel.previousHides
	curID, curHides := p.parcel.currentID, p.parcel.currentHides
	p.parcel.mu.Unlock()

	killToThem, killToMe, showToThem, showToMe := p.parcelCrossLists(prevID, prevHides, curID, curHides)
	for _, peer := range killToThem {
		killAvatarTo(peer, p)
	}
	for _, peer := range killToMe {
		killAvatarTo(p, peer)
	}
	for _, peer := range showToThem {
		showAvatarTo(peer, p)
	}
	for _, peer := range showToMe {
		showAvatarTo(p, peer)
	}
}

// parcelCrossLists classifies the boundary event into the four peer lists. A
// peer can sit in both kill lists or in both show lists, never in a kill list
// and a show list. Peers at god level always stay in both see sets.
func (p *Presence) parcelCrossLists(prevID uuid.UUID, prevHides bool, curID uuid.UUID, curHides bool) (killToThem, killToMe, showToThem, showToMe []*Presence) {
	iAmGod := p.IsGod()
	for _, peer := range p.region.Presences() {
		if peer.ID == p.ID || peer.IsChild() {
			continue
		}
		peerParcel, _ := peer.CurrentParcel()
		peerGod := peer.IsGod()

		switch {
		case !prevHides && curHides:
			// Entered a private parcel from public ground.
			if peerParcel == curID {
				showToThem = append(showToThem, peer)
				showToMe = append(showToMe, peer)
			} else {
				if !peerGod {
					killToThem = append(killToThem, peer)
				}
				if !iAmGod {
					killToMe = append(killToMe, peer)
				}
			}
		case prevHides && !curHides:
			// Left a private parcel for public ground.
			if peerParcel == prevID {
				if !iAmGod {
					killToMe = append(killToMe, peer)
				}
			} else if peerParcel != curID {
				if !peerGod {
					showToThem = append(showToThem, peer)
				}
			}
		case prevHides && curHides && prevID != curID:
			// Hopped between two private parcels.
			if peerParcel == curID {
				showToThem = append(showToThem, peer)
				showToMe = append(showToMe, peer)
			} else {
				if !peerGod {
					killToThem = append(killToThem, peer)
				}
				if !iAmGod {
					killToMe = append(killToMe, peer)
				}
			}
		default:
			// Public to public: nothing to replay.
		}
	}
	return
}

// CanSee is the per-observer gate every outbound update passes through.
func CanSee(viewer, about *Presence) bool {
	if viewer.ID == about.ID {
		return true
	}
	aboutParcel, aboutHides := about.CurrentParcel()
	viewerParcel, viewerHides := viewer.CurrentParcel()
	if aboutHides && viewerParcel != aboutParcel && !viewer.IsGod() {
		return false
	}
	if viewerHides && aboutParcel != viewerParcel && !viewer.IsGod() {
		return false
	}
	return true
}

// godParcelToggle replays private-parcel peers when this presence gains or
// loses elevated access.
func (p *Presence) godParcelToggle(nowGod bool) {
	myParcel, _ := p.CurrentParcel()
	for _, peer := range p.region.Presences() {
		if peer.ID == p.ID || peer.IsChild() {
			continue
		}
		peerParcel, peerHides := peer.CurrentParcel()
		if peerParcel == myParcel || !peerHides {
			continue
		}
		if nowGod {
			showAvatarTo(p, peer)
		} else {
			killAvatarTo(p, peer)
		}
	}
}

// showAvatarTo sends the viewer avatar data, appearance and the animation
// pack of about. Attachments are not sent.
func showAvatarTo(viewer, about *Presence) {
	viewer.sink.SendAvatarDataImmediate(about)
	if blob := about.Appearance(); blob != nil {
		viewer.sink.SendAppearance(about.ID, blob)
	}
	if anims := about.Animations(); len(anims) > 0 {
		viewer.sink.SendAnimations(about.ID, anims)
	}
}

// killAvatarTo destroys about (and its attachments) on the viewer's client.
func killAvatarTo(viewer, about *Presence) {
	ids := []uint32{about.LocalID}
	if r := about.region.attachments; r != nil {
		ids = append(ids, r.RootLocalIDs(about)...)
	}
	viewer.sink.SendKillObject(ids)
}
