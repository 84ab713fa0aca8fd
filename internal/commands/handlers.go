package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/fanout"
	"relaybot/internal/instance"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func (p *Processor) table() []Command {
	return []Command{
		{Name: "start", Aliases: []string{"help"}, Description: "show help", Usage: "/start", Handle: p.cmdStart},
		{Name: "setforward", Description: "replace destinations of this chat", Usage: "/setforward <chat> [chat...]", Handle: p.cmdSetForward},
		{Name: "addforward", Description: "add one destination", Usage: "/addforward <chat>", Handle: p.cmdAddForward},
		{Name: "removeforward", Description: "remove one destination", Usage: "/removeforward <chat>", Handle: p.cmdRemoveForward},
		{Name: "status", Description: "show destinations of this chat", Usage: "/status", Handle: p.cmdStatus},
		{Name: "list", Description: "list all your forwarding rules", Usage: "/list", Handle: p.cmdList},
		{Name: "stop", Description: "stop forwarding from this chat", Usage: "/stop", Handle: p.cmdStop},
		{Name: "clone", Description: "copy another chat's destinations here", Usage: "/clone <source chat>", Handle: p.cmdClone},
		{Name: "clonebot", Description: "run your own relay bot", Usage: "/clonebot <bot token>", Redact: true, Handle: p.cmdCloneBot},
		{Name: "stats", Description: "usage statistics", Usage: "/stats", Access: AccessOwnerOnly, Handle: p.cmdStats},
		{Name: "broadcast", Description: "message every rule owner", Usage: "/broadcast <text>", Access: AccessOwnerOnly, Handle: p.cmdBroadcast},
		{Name: "instances", Description: "list running bots", Usage: "/instances", Access: AccessOwnerOnly, Handle: p.cmdInstances},
	}
}

// ruleOwner is the sending user, or the chat itself for anonymous channel
// posts.
func ruleOwner(req *Request) int64 {
	if req.UserID != 0 {
		return req.UserID
	}
	return req.ChatID
}

// resolveChat checks that the bot can reach ref and returns its id.
func (p *Processor) resolveChat(ctx context.Context, ref string) (transport.ChatInfo, error) {
	info, err := p.cfg.Client.ChatInfo(ctx, ref)
	if errors.Is(err, transport.ErrChatNotFound) {
		return transport.ChatInfo{}, invalidf("Cannot access chat %s. Add the bot to it first.", ref)
	}
	if err != nil {
		return transport.ChatInfo{}, fmt.Errorf("chat info %s: %w", ref, err)
	}
	return info, nil
}

func (p *Processor) resolveDestination(ctx context.Context, req *Request, ref string) (int64, error) {
	info, err := p.resolveChat(ctx, ref)
	if err != nil {
		return 0, err
	}
	if info.ID == req.ChatID {
		return 0, invalidf("A chat cannot forward to itself.")
	}
	return info.ID, nil
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func (p *Processor) cmdStart(ctx context.Context, req *Request) (string, error) {
	return p.helpText(p.isOwner(req.UserID)), nil
}

func (p *Processor) cmdSetForward(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) == 0 {
		return "", invalidf("Usage: /setforward <chat> [chat...]")
	}
	dests := make([]int64, 0, len(req.Args))
	for _, ref := range req.Args {
		id, err := p.resolveDestination(ctx, req, ref)
		if err != nil {
			return "", err
		}
		dests = append(dests, id)
	}
	r, err := p.cfg.Store.UpsertRule(ctx, req.ChatID, ruleOwner(req), dests, p.cfg.Self.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Forwarding %d → %s", r.Source, formatIDs(r.Destinations)), nil
}

func (p *Processor) oneDestination(ctx context.Context, req *Request, usage string) (int64, error) {
	if len(req.Args) != 1 {
		return 0, invalidf("Usage: %s", usage)
	}
	return p.resolveDestination(ctx, req, req.Args[0])
}

func (p *Processor) cmdAddForward(ctx context.Context, req *Request) (string, error) {
	dest, err := p.oneDestination(ctx, req, "/addforward <chat>")
	if err != nil {
		return "", err
	}
	r, out, err := p.cfg.Store.AddDestination(ctx, req.ChatID, ruleOwner(req), dest)
	if err != nil {
		return "", err
	}
	if out == storage.OutcomeAlreadyPresent {
		return fmt.Sprintf("%d is already a destination. Destinations: %s", dest, formatIDs(r.Destinations)), nil
	}
	return fmt.Sprintf("Added %d. Destinations: %s", dest, formatIDs(r.Destinations)), nil
}

func (p *Processor) cmdRemoveForward(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", invalidf("Usage: /removeforward <chat>")
	}
	// A destination the bot lost access to must still be removable, so
	// numeric ids skip the lookup.
	dest, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		info, rerr := p.resolveChat(ctx, req.Args[0])
		if rerr != nil {
			return "", rerr
		}
		dest = info.ID
	}
	r, out, err := p.cfg.Store.RemoveDestination(ctx, req.ChatID, ruleOwner(req), dest)
	if err != nil {
		return "", err
	}
	if out == storage.OutcomeNotPresent {
		return fmt.Sprintf("%d is not a destination. Destinations: %s", dest, formatIDs(r.Destinations)), nil
	}
	return fmt.Sprintf("Removed %d. Destinations: %s", dest, formatIDs(r.Destinations)), nil
}

func (p *Processor) cmdStatus(ctx context.Context, req *Request) (string, error) {
	r, ok, err := p.cfg.Store.GetRule(ctx, req.ChatID, ruleOwner(req))
	if err != nil {
		return "", err
	}
	if !ok {
		return "No forwarding configured for this chat.", nil
	}
	return fmt.Sprintf("Forwarding %d → %s", r.Source, formatIDs(r.Destinations)), nil
}

func (p *Processor) cmdList(ctx context.Context, req *Request) (string, error) {
	rules, err := p.cfg.Store.ListRules(ctx, ruleOwner(req))
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return "You have no forwarding rules.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rule(s):", len(rules))
	for _, r := range rules {
		fmt.Fprintf(&b, "\n%d → %s", r.Source, formatIDs(r.Destinations))
	}
	return b.String(), nil
}

func (p *Processor) cmdStop(ctx context.Context, req *Request) (string, error) {
	n, err := p.cfg.Store.DeleteRule(ctx, req.ChatID, ruleOwner(req))
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "Nothing to stop, no forwarding configured for this chat.", nil
	}
	return "Forwarding stopped.", nil
}

func (p *Processor) cmdClone(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", invalidf("Usage: /clone <source chat>")
	}
	from, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		info, rerr := p.resolveChat(ctx, req.Args[0])
		if rerr != nil {
			return "", rerr
		}
		from = info.ID
	}
	if from == req.ChatID {
		return "", invalidf("Source and target are the same chat.")
	}
	r, err := p.cfg.Store.CloneRule(ctx, from, req.ChatID, ruleOwner(req), p.cfg.Self.ID)
	if errors.Is(err, storage.ErrNotConfigured) {
		return "", invalidf("Chat %d has no forwarding rule of yours to copy.", from)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Copied from %d. Forwarding %d → %s", from, r.Source, formatIDs(r.Destinations)), nil
}

func (p *Processor) cmdCloneBot(ctx context.Context, req *Request) (string, error) {
	if p.cfg.Instances == nil {
		return "", invalidf("Bot cloning is not available here.")
	}
	if req.ChatType != "" && req.ChatType != "private" {
		return "", invalidf("Send /clonebot in a private chat with the bot.")
	}
	if req.UserID == 0 || len(req.Args) != 1 {
		return "", invalidf("Usage: /clonebot <bot token>")
	}
	h, err := p.cfg.Instances.RegisterAndStart(ctx, req.Args[0], req.UserID)
	if errors.Is(err, instance.ErrAlreadyRunning) && h != nil {
		req.Detail = "@" + h.Identity().Username
		return fmt.Sprintf("@%s is already running.", h.Identity().Username), nil
	}
	if err != nil {
		return "", err
	}
	req.Detail = "@" + h.Identity().Username
	return fmt.Sprintf("@%s is running. Open it and use /setforward to configure.", h.Identity().Username), nil
}

func (p *Processor) cmdStats(ctx context.Context, req *Request) (string, error) {
	rules, err := p.cfg.Store.AllRules(ctx)
	if err != nil {
		return "", err
	}
	sources := map[int64]struct{}{}
	owners := map[int64]struct{}{}
	dests := 0
	for _, r := range rules {
		sources[r.Source] = struct{}{}
		owners[r.Owner] = struct{}{}
		dests += len(r.Destinations)
	}
	actions, err := p.cfg.Store.CountAudit(ctx, p.now().Add(-24*time.Hour))
	if err != nil {
		return "", err
	}
	running := 0
	if p.cfg.Instances != nil {
		running = len(p.cfg.Instances.Infos())
	}

	var b strings.Builder
	b.WriteString("Stats")
	fmt.Fprintf(&b, "\nrules: %d", len(rules))
	fmt.Fprintf(&b, "\nsources: %d", len(sources))
	fmt.Fprintf(&b, "\nowners: %d", len(owners))
	fmt.Fprintf(&b, "\ndestinations: %d", dests)
	fmt.Fprintf(&b, "\ninstances: %d", running)
	fmt.Fprintf(&b, "\nactions (24h): %d", actions)
	return b.String(), nil
}

func (p *Processor) cmdBroadcast(ctx context.Context, req *Request) (string, error) {
	text := strings.TrimSpace(req.RawArgs)
	if text == "" {
		return "", invalidf("Usage: /broadcast <text>")
	}
	rules, err := p.cfg.Store.AllRules(ctx)
	if err != nil {
		return "", err
	}
	var targets []int64
	for _, r := range rules {
		if !slices.Contains(targets, r.Owner) {
			targets = append(targets, r.Owner)
		}
	}
	if len(targets) == 0 {
		return "No rule owners to broadcast to.", nil
	}

	pol := p.cfg.Policy.Get()
	res := fanout.Run(ctx, targets, fanout.Options{Concurrency: pol.Concurrency, PerCallTimeout: pol.CallTimeout},
		func(ctx context.Context, to int64) error {
			_, err := p.cfg.Client.SendText(ctx, transport.ChatTarget{ChatID: to}, text, nil)
			return err
		})
	req.Detail = fmt.Sprintf("%d/%d delivered", res.Succeeded, res.Attempted)
	if err := res.Err(); err != nil {
		req.Log.Warn("broadcast partially failed", logx.Int("failed", res.Failed()), logx.Err(err))
		return fmt.Sprintf("Broadcast delivered to %d of %d owners (%d failed).", res.Succeeded, res.Attempted, res.Failed()), nil
	}
	return fmt.Sprintf("Broadcast delivered to %d owners.", res.Succeeded), nil
}

func (p *Processor) cmdInstances(ctx context.Context, req *Request) (string, error) {
	if p.cfg.Instances == nil {
		return "No instance manager.", nil
	}
	infos := p.cfg.Instances.Infos()
	var b strings.Builder
	fmt.Fprintf(&b, "%d instance(s) running:", len(infos))
	for _, in := range infos {
		role := "clone"
		if in.Primary {
			role = "primary"
		}
		fmt.Fprintf(&b, "\n@%s (%s", in.Username, role)
		if in.Owner != 0 {
			fmt.Fprintf(&b, ", owner %d", in.Owner)
		}
		fmt.Fprintf(&b, ", up %s)", p.now().Sub(in.StartedAt).Round(time.Second))
	}
	return b.String(), nil
}
