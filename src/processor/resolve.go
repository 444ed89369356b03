package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sandrolain/mqtt-relay/src/encdec"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/rules"
)

// Routing errors. Per-message, contained; the frame stays unprocessed.
var (
	ErrTopicNotFound  = errors.New("topic not registered")
	ErrDisabledTopic  = errors.New("topic disabled")
	ErrDeviceNotFound = errors.New("device not found")
	ErrClientNotFound = errors.New("client not found")
	ErrNoRouteFound   = errors.New("no route found")
)

// ErrBadParserConfig marks a rule whose parser_config is not valid JSON.
var ErrBadParserConfig = errors.New("invalid parser config")

func routingFailure(err error) bool {
	return errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrDisabledTopic) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrNoRouteFound)
}

// sender is the resolved identity behind one message.
type sender struct {
	topic      *models.MqttTopic
	device     *models.Device
	deviceType *models.DeviceType
	client     *models.Client
}

// resolveSender maps the message topic string to its registered topic,
// device and client rows.
func (p *Processor) resolveSender(ctx context.Context, msg *models.MqttMessage) (*sender, error) {
	topic, err := p.store.TopicByName(ctx, msg.Topic)
	if err != nil {
		return nil, err
	}
	if topic == nil {
		return nil, fmt.Errorf("%w: %q", ErrTopicNotFound, msg.Topic)
	}
	if !topic.Active {
		return nil, fmt.Errorf("%w: %q", ErrDisabledTopic, msg.Topic)
	}

	if topic.DeviceID == nil {
		return nil, fmt.Errorf("%w: topic #%d has no device", ErrDeviceNotFound, topic.ID)
	}
	device, err := p.store.DeviceByID(ctx, *topic.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("%w: #%d", ErrDeviceNotFound, *topic.DeviceID)
	}

	if topic.ClientID == nil {
		return nil, fmt.Errorf("%w: topic #%d has no client", ErrClientNotFound, topic.ID)
	}
	client, err := p.store.ClientByID(ctx, *topic.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: #%d", ErrClientNotFound, *topic.ClientID)
	}

	// The device type is context for rule conditions only; a missing row
	// does not block routing.
	deviceType, err := p.store.DeviceTypeByID(ctx, device.DeviceTypeID)
	if err != nil {
		return nil, err
	}

	return &sender{topic: topic, device: device, deviceType: deviceType, client: client}, nil
}

type routeCandidate struct {
	rule  models.RoutingRule
	bonus int
}

// selectRoute picks the routing rule for a resolved message. Conditions
// adjust an effective priority within the best raw priority band; an
// evaluation error keeps the rule but penalizes it.
func (p *Processor) selectRoute(ctx context.Context, snd *sender, msg *models.MqttMessage) (*models.RoutingRule, error) {
	candidates, err := p.store.CandidateRules(ctx, snd.client.ID, snd.topic.ID, snd.device.ID)
	if err != nil {
		return nil, err
	}

	var evalCtx map[string]any
	kept := make([]routeCandidate, 0, len(candidates))
	for _, rule := range candidates {
		if rule.Conditions == "" {
			kept = append(kept, routeCandidate{rule: rule})
			continue
		}
		if evalCtx == nil {
			evalCtx = p.ruleContext(snd, msg)
		}
		var cond any
		decodeErr := encdec.DecodeJSON([]byte(rule.Conditions), &cond)
		var matched bool
		var evalErr error
		if decodeErr != nil {
			evalErr = decodeErr
		} else {
			matched, evalErr = rules.Eval(cond, evalCtx)
		}
		switch {
		case evalErr != nil:
			p.log.Warn("rule condition evaluation failed", "rule", rule.ID, "err", evalErr)
			kept = append(kept, routeCandidate{rule: rule, bonus: -1})
		case matched:
			kept = append(kept, routeCandidate{rule: rule, bonus: 1})
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: client #%d topic #%d device #%d", ErrNoRouteFound, snd.client.ID, snd.topic.ID, snd.device.ID)
	}

	best := pickRoute(kept)
	if len(best) > 1 {
		ids := make([]uuid.UUID, len(best))
		for i, c := range best {
			ids[i] = c.rule.ID
		}
		p.log.Warn("route tie broken by creation time", "rules", ids)
	}
	return &best[0].rule, nil
}

// pickRoute narrows candidates to min raw priority, then min effective
// priority within that band, then returns them newest first. A condition
// bonus never promotes a rule across raw priority bands.
func pickRoute(kept []routeCandidate) []routeCandidate {
	minRaw := kept[0].rule.Priority
	for _, c := range kept[1:] {
		if c.rule.Priority < minRaw {
			minRaw = c.rule.Priority
		}
	}
	band := kept[:0:0]
	for _, c := range kept {
		if c.rule.Priority == minRaw {
			band = append(band, c)
		}
	}

	minEff := band[0].rule.Priority - band[0].bonus
	for _, c := range band[1:] {
		if eff := c.rule.Priority - c.bonus; eff < minEff {
			minEff = eff
		}
	}
	final := band[:0:0]
	for _, c := range band {
		if c.rule.Priority-c.bonus == minEff {
			final = append(final, c)
		}
	}

	sort.SliceStable(final, func(i, j int) bool {
		return final[i].rule.CreatedAt.After(final[j].rule.CreatedAt)
	})
	return final
}

// ruleContext builds the document rule conditions are evaluated against.
func (p *Processor) ruleContext(snd *sender, msg *models.MqttMessage) map[string]any {
	return map[string]any{
		"device":      asDocument(snd.device),
		"device_type": asDocument(snd.deviceType),
		"topic":       asDocument(snd.topic),
		"message":     asDocument(msg),
		"payload":     encdec.MaybeJSON(msg.Payload),
	}
}

// asDocument renders a model as a generic map through its JSON form, so
// rule paths use the wire field names.
func asDocument(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	raw, err := encdec.EncodeJSONString(v)
	if err != nil {
		return map[string]any{}
	}
	doc, err := encdec.DecodeJSONMap(raw)
	if err != nil {
		return map[string]any{}
	}
	return doc
}
