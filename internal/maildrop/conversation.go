package maildrop

import (
	"context"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/task"
)

type createState struct {
	request
	msg     envelope.CreateConv
	creator *model.UserAccount
	meta    model.ConversationMeta
	backlog []model.FanoutMsg
}

// newCreateConversationTask handles createconv, which only this server's own
// users may send, through loopback.
func (r *Receiver) newCreateConversationTask() *task.Task {
	return task.New("CreateConversationTask", task.Standard, r.log,
		step("assert-loopback", func(_ context.Context, s *createState) error {
			if s.other != r.self() {
				return errs.Unauthorized("createconv relayed by %s", s.other)
			}
			return nil
		}),
		step("resolve-creator", func(ctx context.Context, s *createState) (err error) {
			s.creator, err = r.localUser(ctx, s.outer.SenderKey)
			return err
		}),
		step("validate-roster", r.validateRoster),
		step("create", func(ctx context.Context, s *createState) error {
			return r.Fanout.Create(ctx, s.meta, s.backlog)
		}),
		step("learn-peers", func(ctx context.Context, s *createState) error {
			for _, ap := range s.msg.Payload.AddPayloads {
				if err := r.Peers.Learn(ctx, ap.ServerKey, ap.ServerURL); err != nil {
					return err
				}
			}
			return nil
		}),
		step("welcome", func(ctx context.Context, s *createState) error {
			data, err := r.Fanout.Snapshot(ctx, s.msg.ConvID)
			if err != nil {
				return err
			}
			w := envelope.Welcome{ConvID: s.msg.ConvID, TransitServerKey: r.self(), Backlog: data.Backlog}
			return r.welcome(ctx, s.meta.Participants, s.creator.TellKey, w)
		}),
	)
}

// validateRoster runs before anything is persisted: at least two add
// payloads, the creator first, every other participant a contact of the creator.
func (r *Receiver) validateRoster(ctx context.Context, s *createState) error {
	adds := s.msg.Payload.AddPayloads
	if len(adds) < 2 {
		return errs.Malformed("createconv %s: %d participants, need at least 2", s.msg.ConvID, len(adds))
	}
	if adds[0].TellKey != s.creator.TellKey {
		return errs.Malformed("createconv %s: addPayloads[0] must name the creator", s.msg.ConvID)
	}
	if adds[0].ServerKey != r.self() {
		return errs.Malformed("createconv %s: creator is not hosted here", s.msg.ConvID)
	}
	if adds[0].EnvelopeKey != s.creator.EnvelopeKey {
		return &errs.KeyMismatchError{Declared: adds[0].EnvelopeKey.String(), Proven: s.creator.EnvelopeKey.String()}
	}

	seen := make(map[keyring.PublicKey]bool, len(adds))
	s.meta = model.ConversationMeta{
		ID:               s.msg.ConvID,
		TransitServerKey: r.self(),
		OwnerKey:         s.creator.TellKey,
	}
	s.backlog = s.backlog[:0]
	for i, ap := range adds {
		if seen[ap.TellKey] {
			return errs.Malformed("createconv %s: addPayloads[%d] repeats a participant", s.msg.ConvID, i)
		}
		seen[ap.TellKey] = true
		if i > 0 {
			err := r.Auth.UserAssertServerUser(ctx, s.creator.RootKey, ap.ServerKey, ap.TellKey)
			if err != nil {
				return unauthorized(err, "createconv %s: %s is not a contact of the creator", s.msg.ConvID, ap.TellKey)
			}
		}
		s.meta.Participants = append(s.meta.Participants, model.Participant{
			TellKey: ap.TellKey, EnvelopeKey: ap.EnvelopeKey, ServerKey: ap.ServerKey,
		})
		invitee := ap.TellKey
		s.backlog = append(s.backlog, model.FanoutMsg{
			Type:    model.FanoutJoin,
			SentBy:  s.creator.TellKey,
			Invitee: &invitee,
			Nonce:   ap.AttestationNonce,
			Payload: ap.AttestationPayload,
		})
	}
	s.backlog = append(s.backlog, model.FanoutMsg{
		Type:    model.FanoutMessage,
		SentBy:  s.creator.TellKey,
		Nonce:   s.msg.Payload.MsgNonce,
		Payload: s.msg.Payload.MsgPayload,
	})
	return nil
}

type addState struct {
	request
	msg      envelope.ConvAdd
	newcomer model.Participant
	entry    model.FanoutMsg
}

// newConversationAddTask admits an invitee whose server already accepted the
// join, welcomes it with the full backlog and announces the join to everyone.
func (r *Receiver) newConversationAddTask() *task.Task {
	return task.New("ConversationAddTask", task.Standard, r.log,
		step("authorize-inviter", func(ctx context.Context, s *addState) error {
			err := r.Auth.ConvAssertServerUser(ctx, s.msg.ConvID, s.other, s.outer.SenderKey)
			return unauthorized(err, "convadd %s: %s does not participate", s.msg.ConvID, s.outer.SenderKey)
		}),
		step("verify-invite-proof", func(_ context.Context, s *addState) error {
			return r.verifyProof(s.msg.Payload.InviteProof, s.msg.Payload.AttestationNonce, s.outer.SenderKey,
				s.msg.ConvID, s.msg.Name)
		}),
		// Admit before the snapshot so no entry misses the newcomer. An entry
		// accepted in between arrives both fanned and in the welcome; clients
		// drop the repeat by Seq.
		step("admit", func(ctx context.Context, s *addState) error {
			s.newcomer = model.Participant{
				TellKey:     s.msg.Name,
				EnvelopeKey: s.msg.Payload.EnvelopeKey,
				ServerKey:   s.msg.ServerName,
			}
			if err := r.Fanout.Admit(ctx, s.msg.ConvID, s.newcomer); err != nil {
				return err
			}
			return r.Peers.Learn(ctx, s.msg.ServerName, s.msg.ServerURL)
		}),
		step("welcome", func(ctx context.Context, s *addState) error {
			data, err := r.Fanout.Snapshot(ctx, s.msg.ConvID)
			if err != nil {
				return err
			}
			w := envelope.Welcome{
				ConvID:           s.msg.ConvID,
				TransitServerKey: r.self(),
				Backlog:          data.Backlog,
				Invitation:       s.msg.Payload.InviteePayload,
			}
			return r.welcome(ctx, []model.Participant{s.newcomer}, s.outer.SenderKey, w)
		}),
		step("append-join", func(ctx context.Context, s *addState) (err error) {
			invitee := s.msg.Name
			s.entry, err = r.Fanout.Append(ctx, s.msg.ConvID, model.FanoutMsg{
				Type:    model.FanoutJoin,
				SentBy:  s.outer.SenderKey,
				Invitee: &invitee,
				Nonce:   s.msg.Payload.AttestationNonce,
				Payload: s.msg.Payload.AttestationPayload,
			})
			return err
		}),
		step("broadcast", func(ctx context.Context, s *addState) error {
			return r.fan(ctx, s.msg.ConvID, s.entry)
		}),
	)
}

type appendState struct {
	request
	convID  string
	payload []byte
	typ     model.FanoutType
	entry   model.FanoutMsg
}

func (r *Receiver) authorizeParticipant(ctx context.Context, s *appendState) error {
	err := r.Auth.ConvAssertServerUser(ctx, s.convID, s.other, s.outer.SenderKey)
	return unauthorized(err, "%s %s: %s does not participate", s.typ, s.convID, s.outer.SenderKey)
}

func (s *appendState) fanoutMsg() model.FanoutMsg {
	return model.FanoutMsg{Type: s.typ, SentBy: s.outer.SenderKey, Nonce: s.outer.Nonce, Payload: s.payload}
}

func (r *Receiver) newConversationMessageTask() *task.Task {
	return task.New("ConversationMessageTask", task.Standard, r.log,
		step("authorize-sender", r.authorizeParticipant),
		step("append", func(ctx context.Context, s *appendState) (err error) {
			s.entry, err = r.Fanout.Append(ctx, s.convID, s.fanoutMsg())
			return err
		}),
		step("broadcast", func(ctx context.Context, s *appendState) error {
			return r.fan(ctx, s.convID, s.entry)
		}),
	)
}

func (r *Receiver) newConversationMetaTask() *task.Task {
	return task.New("ConversationMetaTask", task.Standard, r.log,
		step("authorize-sender", r.authorizeParticipant),
		step("append", func(ctx context.Context, s *appendState) (err error) {
			s.entry, err = r.Fanout.AppendMeta(ctx, s.convID, s.outer.SenderKey, s.fanoutMsg())
			return err
		}),
		step("broadcast", func(ctx context.Context, s *appendState) error {
			return r.fan(ctx, s.convID, s.entry)
		}),
	)
}

// fan broadcasts one backlog entry to every participant as fannedmsg.
func (r *Receiver) fan(ctx context.Context, convID string, entry model.FanoutMsg) error {
	ps, err := r.Fanout.Participants(ctx, convID)
	if err != nil {
		return err
	}
	plain, err := envelope.Marshal(entry)
	if err != nil {
		return err
	}
	return r.Broadcast.Broadcast(ctx, ps, plain, func(p model.Participant, nonce keyring.Nonce, boxed []byte) (envelope.Inner, error) {
		return envelope.FannedMsg{Name: p.TellKey, ConvID: convID, Nonce: nonce, Payload: boxed}, nil
	})
}

// welcome sends w as initialfan to each recipient, with a proof boxed to the
// recipient's server binding the envelope to the conversation and recipient.
func (r *Receiver) welcome(ctx context.Context, to []model.Participant, sender keyring.PublicKey, w envelope.Welcome) error {
	plain, err := envelope.Marshal(w)
	if err != nil {
		return err
	}
	return r.Broadcast.Broadcast(ctx, to, plain, func(p model.Participant, nonce keyring.Nonce, boxed []byte) (envelope.Inner, error) {
		proof, err := envelope.Marshal(envelope.Proof{ConvID: w.ConvID, Name: p.TellKey})
		if err != nil {
			return nil, err
		}
		proofNonce, err := r.Keyring.MakeBoxNonce()
		if err != nil {
			return nil, err
		}
		return envelope.InitialFan{
			Name:       p.TellKey,
			SenderKey:  sender,
			ConvID:     w.ConvID,
			Proof:      r.Keyring.Box(proof, proofNonce, p.ServerKey),
			ProofNonce: proofNonce,
			Nonce:      nonce,
			Payload:    boxed,
		}, nil
	})
}

// verifyProof opens a boxed Proof from signer and checks it names convID and name.
func (r *Receiver) verifyProof(boxed []byte, nonce keyring.Nonce, signer keyring.PublicKey, convID string, name keyring.PublicKey) error {
	raw, err := r.Keyring.Open(boxed, nonce, signer)
	if err != nil {
		return errs.Replay("proof does not open for %s", signer)
	}
	var p envelope.Proof
	if err := envelope.Unmarshal(raw, &p); err != nil {
		return errs.Replay("proof: %v", err)
	}
	if p.ConvID != convID {
		return errs.Replay("proof is for conversation %q, not %q", p.ConvID, convID)
	}
	if p.Name != name {
		return &errs.KeyMismatchError{Declared: name.String(), Proven: p.Name.String()}
	}
	return nil
}
