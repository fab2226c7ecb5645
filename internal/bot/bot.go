// Package bot handles inbound chat messages: identifier intake from
// requesters and the text command surface for administrators.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DocPipe/internal/identifier"
	"github.com/BTreeMap/DocPipe/internal/messaging"
	"github.com/BTreeMap/DocPipe/internal/models"
	"github.com/BTreeMap/DocPipe/internal/store"
)

// Constants for bot configuration
const (
	// DefaultEvictTTL mirrors the sweeper's registry TTL for the manual
	// cleanup command
	DefaultEvictTTL = 20 * time.Minute
	// DefaultEvictMaxAttempts mirrors the sweeper's attempt ceiling
	DefaultEvictMaxAttempts = 80
)

// Opts holds configuration options for the bot.
type Opts struct {
	EvictTTL         time.Duration
	EvictMaxAttempts int
}

// Option defines a configuration option for the bot.
type Option func(*Opts)

// WithEvictionPolicy aligns the manual cleanup command with the sweeper's
// TTL and attempt ceiling.
func WithEvictionPolicy(ttl time.Duration, maxAttempts int) Option {
	return func(o *Opts) {
		o.EvictTTL = ttl
		o.EvictMaxAttempts = maxAttempts
	}
}

// Bot consumes inbound messages and reacts to identifiers and commands.
type Bot struct {
	store      store.Store
	msgService messaging.Service
	extractor  *identifier.Extractor

	evictTTL         time.Duration
	evictMaxAttempts int
}

// NewBot creates a bot over the given store and messaging service.
func NewBot(st store.Store, msgService messaging.Service, opts ...Option) *Bot {
	cfg := Opts{
		EvictTTL:         DefaultEvictTTL,
		EvictMaxAttempts: DefaultEvictMaxAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bot{
		store:            st,
		msgService:       msgService,
		extractor:        identifier.NewExtractor(identifier.DefaultPatterns()...),
		evictTTL:         cfg.EvictTTL,
		evictMaxAttempts: cfg.EvictMaxAttempts,
	}
}

// Run consumes the messaging service's inbound channel until the context
// ends or the channel closes.
func (b *Bot) Run(ctx context.Context) {
	slog.Info("Bot.Run: message loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Bot.Run: context cancelled, message loop stopping")
			return
		case msg, ok := <-b.msgService.Messages():
			if !ok {
				slog.Info("Bot.Run: message channel closed, loop stopping")
				return
			}
			b.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one inbound message. Nothing here may escape:
// every failure is logged and the handler returns.
func (b *Bot) HandleMessage(ctx context.Context, msg models.IncomingMessage) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return
	}

	if msg.IsGroup {
		b.ensureGroupRegistered(ctx, msg.Chat)
	}

	isAdmin, err := b.store.IsAdministrator(msg.From)
	if err != nil {
		slog.Error("Bot.HandleMessage: administrator lookup failed", "error", err, "from", msg.From)
		return
	}

	if isAdmin {
		if b.dispatchCommand(ctx, msg, body) {
			return
		}
		// Administrators do not submit requests over chat; identifiers in
		// their messages are deliberate no-ops.
		if len(b.extractor.Extract(body).Valid) > 0 {
			slog.Debug("Bot.HandleMessage: ignoring identifiers from administrator", "from", msg.From)
		}
		return
	}

	b.handleSubmission(ctx, msg, body)
}

// ensureGroupRegistered records a group chat the first time it speaks.
func (b *Bot) ensureGroupRegistered(ctx context.Context, chat string) {
	group, err := b.store.GetGroup(chat)
	if err != nil {
		slog.Error("Bot: group lookup failed", "error", err, "chat", chat)
		return
	}
	if group != nil {
		return
	}
	name, participants, err := b.msgService.GroupMetadata(ctx, chat)
	if err != nil {
		slog.Warn("Bot: group metadata fetch failed", "error", err, "chat", chat)
		name = chat
	}
	if err := b.store.SaveGroup(models.Group{ID: chat, Name: name, ParticipantCount: participants}); err != nil {
		slog.Error("Bot: group registration failed", "error", err, "chat", chat)
		return
	}
	slog.Info("Bot: group registered", "chat", chat, "name", name, "participants", participants)
}

// handleSubmission runs identifier intake for a non-administrator message.
func (b *Bot) handleSubmission(ctx context.Context, msg models.IncomingMessage, body string) {
	extraction := b.extractor.Extract(body)

	if len(extraction.Invalid) > 0 {
		reply := fmt.Sprintf("⚠️ Formato no válido: %s. Verifica el CURP o código e inténtalo de nuevo.",
			strings.Join(extraction.Invalid, ", "))
		b.reply(ctx, msg.Chat, reply)
	}
	if len(extraction.Valid) == 0 {
		return
	}

	// In a group the group itself is the subject; in a private chat the
	// sender is.
	subjectID := msg.From
	if msg.IsGroup {
		subjectID = msg.Chat
	}

	authorized, err := b.store.IsAuthorized(subjectID)
	if err != nil {
		slog.Error("Bot: authorization lookup failed", "error", err, "subjectID", subjectID)
		return
	}

	docType := identifier.ParseDocumentType(body)
	wantsMatting, wantsFolio := identifier.ParseFormatRequest(body)
	var cfg models.SubjectConfig
	if authorized {
		if cfg, err = b.store.GetSubjectConfig(subjectID); err != nil {
			slog.Error("Bot: subject config lookup failed", "error", err, "subjectID", subjectID)
		}
	}
	options := models.FormatOptions{
		WantsFrontMatting: wantsMatting,
		WantsFolioStamp:   wantsFolio,
		AutoMatting:       cfg.AutoMatting,
	}

	displayName := msg.Name
	for _, id := range extraction.Valid {
		// Every valid submission lands in the ledger, authorized or not.
		if err := b.store.AppendRequest(models.LedgerEntry{
			Identifier:   id,
			SubjectID:    subjectID,
			DisplayName:  displayName,
			DocumentType: docType,
			Options:      options,
			Authorized:   authorized,
		}); err != nil {
			slog.Error("Bot: ledger append failed", "error", err, "identifier", id)
		}
		if !authorized {
			continue
		}
		if err := b.store.UpsertPendingRequest(models.PendingRequest{
			Identifier:   id,
			SubjectID:    subjectID,
			DocumentType: docType,
			Options:      options,
		}); err != nil {
			slog.Error("Bot: registry upsert failed", "error", err, "identifier", id)
		}
	}

	ids := strings.Join(extraction.Valid, ", ")
	if !authorized {
		slog.Warn("Bot: unauthorized submission", "subjectID", subjectID, "identifiers", ids)
		b.reply(ctx, msg.Chat, "❌ No estás autorizado para solicitar documentos. Contacta a un administrador.")
		b.notifyAdmins(ctx, fmt.Sprintf("🚫 Solicitud no autorizada de %s (%s): %s", displayName, subjectID, ids))
		return
	}

	b.notifyAdmins(ctx, fmt.Sprintf("📥 Solicitud de %s (%s): %s [%s]", displayName, subjectID, ids, docType))

	confirmation := fmt.Sprintf("⏳ Procesando %d solicitud(es): %s. Tipo: %s.", len(extraction.Valid), ids, docType)
	if options.WantsFrontMatting || options.AutoMatting {
		confirmation += " Con marco."
	}
	if options.WantsFolioStamp {
		confirmation += " Con folio."
	}
	b.reply(ctx, msg.Chat, confirmation)
}

// dispatchCommand runs admin text commands. It returns false when the text
// is not a recognized command.
func (b *Bot) dispatchCommand(ctx context.Context, msg models.IncomingMessage, body string) bool {
	text := strings.ToLower(strings.TrimSpace(body))
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "estadisticas", "estadísticas":
		b.reply(ctx, msg.Chat, b.statsReport())
		return true
	case "grupos":
		b.reply(ctx, msg.Chat, b.groupsReport())
		return true
	case "administradores":
		b.reply(ctx, msg.Chat, b.adminsReport())
		return true
	case "autorizados":
		b.reply(ctx, msg.Chat, b.authorizedReport())
		return true
	case "autorizar", "desautorizar":
		return b.handleAuthorizeCommand(ctx, msg, fields)
	case "promover", "remover":
		return b.handleAdminCommand(ctx, msg, fields)
	case "config":
		if len(fields) != 2 {
			return false
		}
		b.reply(ctx, msg.Chat, b.configReport(fields[1]))
		return true
	case "restablecer":
		if len(fields) != 2 || fields[1] != "contador" {
			return false
		}
		b.handleResetCounters(ctx, msg)
		return true
	case "limpiar":
		if len(fields) != 2 || fields[1] != "pendientes" {
			return false
		}
		b.handleEvictPending(ctx, msg)
		return true
	}
	return false
}

// handleAuthorizeCommand covers "autorizar [grupo] <id>" and its inverse.
func (b *Bot) handleAuthorizeCommand(ctx context.Context, msg models.IncomingMessage, fields []string) bool {
	grant := fields[0] == "autorizar"
	kind := models.SubjectKindUser
	var rawTarget string
	switch {
	case len(fields) == 2:
		rawTarget = fields[1]
	case len(fields) == 3 && fields[1] == "grupo":
		kind = models.SubjectKindGroup
		rawTarget = fields[2]
	default:
		return false
	}

	target, err := b.canonicalizeTarget(rawTarget, kind)
	if err != nil {
		b.reply(ctx, msg.Chat, fmt.Sprintf("⚠️ Destinatario no válido: %s", rawTarget))
		return true
	}

	if grant {
		changed, err := b.store.Authorize(target, kind, msg.From)
		if err != nil {
			slog.Error("Bot: authorize failed", "error", err, "target", target)
			b.reply(ctx, msg.Chat, "⚠️ No se pudo autorizar, revisa los registros.")
			return true
		}
		if !changed {
			b.reply(ctx, msg.Chat, fmt.Sprintf("ℹ️ %s ya estaba autorizado.", target))
			return true
		}
		b.reply(ctx, msg.Chat, fmt.Sprintf("✅ Autorizado: %s", target))
		return true
	}

	changed, err := b.store.Deauthorize(target)
	if err != nil {
		slog.Error("Bot: deauthorize failed", "error", err, "target", target)
		b.reply(ctx, msg.Chat, "⚠️ No se pudo desautorizar, revisa los registros.")
		return true
	}
	if !changed {
		b.reply(ctx, msg.Chat, fmt.Sprintf("ℹ️ %s no estaba autorizado.", target))
		return true
	}
	b.reply(ctx, msg.Chat, fmt.Sprintf("✅ Autorización retirada: %s", target))
	return true
}

// handleAdminCommand covers "promover admin <id>" and "remover admin <id>".
func (b *Bot) handleAdminCommand(ctx context.Context, msg models.IncomingMessage, fields []string) bool {
	if len(fields) != 3 || fields[1] != "admin" {
		return false
	}
	target, err := b.canonicalizeTarget(fields[2], models.SubjectKindUser)
	if err != nil {
		b.reply(ctx, msg.Chat, fmt.Sprintf("⚠️ Destinatario no válido: %s", fields[2]))
		return true
	}

	if fields[0] == "promover" {
		err := b.store.AddAdministrator(models.Administrator{
			SubjectID:   target,
			SubjectKind: models.SubjectKindUser,
		})
		switch {
		case errors.Is(err, models.ErrAlreadyAdmin):
			b.reply(ctx, msg.Chat, fmt.Sprintf("ℹ️ %s ya es administrador.", target))
		case err != nil:
			slog.Error("Bot: admin promotion failed", "error", err, "target", target)
			b.reply(ctx, msg.Chat, "⚠️ No se pudo promover, revisa los registros.")
		default:
			b.reply(ctx, msg.Chat, fmt.Sprintf("✅ Nuevo administrador: %s", target))
		}
		return true
	}

	if target == msg.From {
		b.reply(ctx, msg.Chat, "⚠️ No puedes removerte a ti mismo como administrador.")
		return true
	}
	err = b.store.RemoveAdministrator(target)
	switch {
	case errors.Is(err, models.ErrAdminNotFound):
		b.reply(ctx, msg.Chat, fmt.Sprintf("ℹ️ %s no es administrador.", target))
	case err != nil:
		slog.Error("Bot: admin removal failed", "error", err, "target", target)
		b.reply(ctx, msg.Chat, "⚠️ No se pudo remover, revisa los registros.")
	default:
		b.reply(ctx, msg.Chat, fmt.Sprintf("✅ Administrador removido: %s", target))
	}
	return true
}

func (b *Bot) handleResetCounters(ctx context.Context, msg models.IncomingMessage) {
	removed, err := b.store.ResetCounters()
	if err != nil {
		slog.Error("Bot: counter reset failed", "error", err)
		b.reply(ctx, msg.Chat, "⚠️ No se pudo restablecer el contador.")
		return
	}
	b.reply(ctx, msg.Chat, fmt.Sprintf("✅ Contador restablecido (%d registros).", removed))
	b.notifyAdmins(ctx, fmt.Sprintf("🔄 %s restableció el contador de documentos (%d registros).", msg.From, removed))
}

func (b *Bot) handleEvictPending(ctx context.Context, msg models.IncomingMessage) {
	before, err := b.store.CountPendingRequests()
	if err != nil {
		slog.Error("Bot: pending count failed", "error", err)
		b.reply(ctx, msg.Chat, "⚠️ No se pudo limpiar pendientes.")
		return
	}
	evicted, err := b.store.EvictExpired(b.evictTTL, b.evictMaxAttempts)
	if err != nil {
		slog.Error("Bot: manual eviction failed", "error", err)
		b.reply(ctx, msg.Chat, "⚠️ No se pudo limpiar pendientes.")
		return
	}
	b.reply(ctx, msg.Chat, fmt.Sprintf("🧹 Pendientes: %d antes, %d eliminados, %d restantes.",
		before, evicted, before-evicted))
}

// statsReport summarizes the whole pipeline for the estadisticas command.
func (b *Bot) statsReport() string {
	var sb strings.Builder
	sb.WriteString("📊 Estadísticas\n")
	if total, err := b.store.CountRequests(); err == nil {
		fmt.Fprintf(&sb, "Solicitudes totales: %d\n", total)
	}
	if pending, err := b.store.CountPendingRequests(); err == nil {
		fmt.Fprintf(&sb, "Pendientes en registro: %d\n", pending)
	}
	if groups, err := b.store.ListGroups(); err == nil {
		fmt.Fprintf(&sb, "Grupos registrados: %d\n", len(groups))
	}
	if counters, err := b.store.ListCounters(); err == nil {
		total := 0
		for _, c := range counters {
			total += c.TotalDocuments
		}
		fmt.Fprintf(&sb, "Documentos entregados: %d\n", total)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) groupsReport() string {
	groups, err := b.store.ListGroups()
	if err != nil {
		return "⚠️ No se pudieron consultar los grupos."
	}
	if len(groups) == 0 {
		return "No hay grupos registrados."
	}
	var sb strings.Builder
	sb.WriteString("👥 Grupos registrados\n")
	for _, g := range groups {
		fmt.Fprintf(&sb, "- %s (%s, %d participantes)\n", g.Name, g.ID, g.ParticipantCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) adminsReport() string {
	admins, err := b.store.ListAdministrators()
	if err != nil {
		return "⚠️ No se pudieron consultar los administradores."
	}
	if len(admins) == 0 {
		return "No hay administradores registrados."
	}
	var sb strings.Builder
	sb.WriteString("🛡️ Administradores\n")
	for _, a := range admins {
		name := a.Name
		if name == "" {
			name = a.SubjectID
		}
		fmt.Fprintf(&sb, "- %s (%s)\n", name, a.SubjectID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) authorizedReport() string {
	auths, err := b.store.ListAuthorized()
	if err != nil {
		return "⚠️ No se pudieron consultar las autorizaciones."
	}
	if len(auths) == 0 {
		return "No hay sujetos autorizados."
	}
	var sb strings.Builder
	sb.WriteString("✅ Autorizados\n")
	for _, a := range auths {
		label := a.SubjectID
		if a.GroupName != "" {
			label = fmt.Sprintf("%s (%s)", a.GroupName, a.SubjectID)
		}
		flags := ""
		if a.Config.AutoMatting {
			flags += " [marco automático]"
		}
		if a.Config.AutoUpload {
			flags += " [subida automática]"
		}
		fmt.Fprintf(&sb, "- %s (%s)%s\n", label, a.SubjectKind, flags)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) configReport(rawTarget string) string {
	target, err := b.canonicalizeTarget(rawTarget, models.SubjectKindUser)
	if err != nil {
		return fmt.Sprintf("⚠️ Destinatario no válido: %s", rawTarget)
	}
	authorized, err := b.store.IsAuthorized(target)
	if err != nil {
		return "⚠️ No se pudo consultar la configuración."
	}
	if !authorized {
		return fmt.Sprintf("%s no está autorizado.", target)
	}
	cfg, err := b.store.GetSubjectConfig(target)
	if err != nil {
		return "⚠️ No se pudo consultar la configuración."
	}
	return fmt.Sprintf("⚙️ %s — marco automático: %v, subida automática: %v",
		target, cfg.AutoMatting, cfg.AutoUpload)
}

// canonicalizeTarget normalizes a command argument into a JID.
func (b *Bot) canonicalizeTarget(raw string, kind models.SubjectKind) (string, error) {
	if kind == models.SubjectKindGroup && !strings.Contains(raw, "@") {
		raw += "@g.us"
	}
	return b.msgService.ValidateAndCanonicalizeRecipient(raw)
}

// reply sends a message back to the chat a command or submission came from.
func (b *Bot) reply(ctx context.Context, chat, text string) {
	if err := b.msgService.SendMessage(ctx, chat, text); err != nil {
		slog.Error("Bot: reply failed", "error", err, "chat", chat)
	}
}

// notifyAdmins fans a message out to every administrator.
func (b *Bot) notifyAdmins(ctx context.Context, text string) {
	admins, err := b.store.ListAdministrators()
	if err != nil {
		slog.Error("Bot: administrator listing failed", "error", err)
		return
	}
	if len(admins) == 0 {
		slog.Warn("Bot: no administrators to notify", "error", models.ErrNoAdministrators)
		return
	}
	for _, admin := range admins {
		if err := b.msgService.SendMessage(ctx, admin.SubjectID, text); err != nil {
			slog.Error("Bot: admin notification failed", "error", err, "admin", admin.SubjectID)
		}
	}
}
