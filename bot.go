package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	instruct "github.com/Asort97/marzbanBot/clients/instruction"
	"github.com/Asort97/marzbanBot/subscription"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	buyButton    = "Купить VPN"
	statusButton = "Мои подписки"
	infoButton   = "Инфо"

	backCallback        = "back_to_plans"
	checkCallbackPrefix = "check_"

	dateLayout = "2006-01-02"
)

const (
	startText      = "Привет! Здесь можно купить доступ к VPN и получить ключ для Outline.\n\nВыберите действие:"
	choosePlanText = "Выберите срок подписки и перейдите по ссылке для оплаты:"
	paymentText    = "Оплата за VPN на %s. После оплаты нажмите «Проверить оплату»!"
	expiredText    = "⚠️ Ваша подписка истекла. Продлите её через «Купить VPN», чтобы продолжить пользоваться VPN."
	noSubText      = "У вас нет активной подписки."
	lapsedText     = "Ваша подписка истекла."
	waitText       = "⏳ Подождите пару секунд"
	unknownPlan    = "❌ Неизвестный тариф"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api            botAPI
	reconciler     *subscription.Reconciler
	supportContact string
	throttle       *throttle
}

func NewBot(api botAPI, reconciler *subscription.Reconciler, supportContact string) *Bot {
	return &Bot{
		api:            api,
		reconciler:     reconciler,
		supportContact: supportContact,
		throttle:       newThrottle(),
	}
}

// Run handles updates one at a time until ctx is done or the channel closes.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if msg := update.Message; msg != nil && msg.From != nil {
		b.handleMessage(ctx, msg)
		return
	}
	if cq := update.CallbackQuery; cq != nil && cq.Message != nil && cq.From != nil {
		b.handleCallback(ctx, cq)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch {
	case msg.IsCommand() && msg.Command() == "start":
		b.handleStart(ctx, chatID, userID)
	case msg.Text == buyButton:
		reply := tgbotapi.NewMessage(chatID, choosePlanText)
		reply.ReplyMarkup = planKeyboard()
		b.send(reply)
	case msg.Text == statusButton:
		b.handleStatus(ctx, chatID, userID)
	case msg.Text == infoButton:
		for _, m := range instruct.Messages(chatID, planTitles(), b.supportContact) {
			b.send(m)
		}
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID, userID int64) {
	if err := b.reconciler.Register(ctx, userID); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to register user")
	}
	reply := tgbotapi.NewMessage(chatID, startText)
	reply.ReplyMarkup = mainReplyKeyboard()
	b.send(reply)
}

func (b *Bot) handleStatus(ctx context.Context, chatID, userID int64) {
	st, err := b.reconciler.Status(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to load subscription")
		b.send(tgbotapi.NewMessage(chatID, b.errorText(err)))
		return
	}
	reply := tgbotapi.NewMessage(chatID, statusText(st))
	reply.ParseMode = "HTML"
	b.send(reply)
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	messageID := cq.Message.MessageID
	userID := cq.From.ID
	data := cq.Data
	ackText := ""

	switch {
	case data == backCallback:
		b.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, choosePlanText, planKeyboard()))
	case strings.HasPrefix(data, checkCallbackPrefix):
		if !b.throttle.canProceedKey(userID, "check_payment", 3*time.Second) {
			ackText = waitText
			break
		}
		ackText = b.handleCheckPayment(ctx, chatID, userID, strings.TrimPrefix(data, checkCallbackPrefix))
	default:
		plan, ok := subscription.PlanByID(data)
		if !ok {
			ackText = unknownPlan
			break
		}
		if !b.throttle.canProceedKey(userID, "buy", 5*time.Second) {
			ackText = waitText
			break
		}
		ackText = b.handlePlanChoice(ctx, chatID, messageID, userID, plan)
	}

	b.ack(cq, ackText)
}

func (b *Bot) handlePlanChoice(ctx context.Context, chatID int64, messageID int, userID int64, plan subscription.RatePlan) string {
	url, err := b.reconciler.RequestPayment(ctx, userID, plan.ID)
	if err != nil {
		b.send(tgbotapi.NewMessage(chatID, b.errorText(err)))
		return ""
	}
	b.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, fmt.Sprintf(paymentText, plan.Title), paymentKeyboard(plan, url)))
	return ""
}

func (b *Bot) handleCheckPayment(ctx context.Context, chatID, userID int64, planID string) string {
	conf, err := b.reconciler.ConfirmPayment(ctx, userID, planID)
	switch {
	case errors.Is(err, subscription.ErrNotPaid):
		return "Оплата ещё не поступила"
	case err != nil:
		b.send(tgbotapi.NewMessage(chatID, b.errorText(err)))
		return ""
	}

	reply := tgbotapi.NewMessage(chatID, confirmationText(conf))
	reply.ParseMode = "HTML"
	reply.ReplyMarkup = mainReplyKeyboard()
	b.send(reply)
	return "✅ Оплата подтверждена"
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
	}
}

func (b *Bot) ack(cq *tgbotapi.CallbackQuery, text string) {
	cfg := tgbotapi.NewCallback(cq.ID, text)
	if _, err := b.api.Request(cfg); err != nil {
		log.Debug().Err(err).Msg("callback ack failed")
	}
}

// errorText maps reconciler errors to what the user sees. Details stay in
// the logs.
func (b *Bot) errorText(err error) string {
	switch {
	case errors.Is(err, subscription.ErrNotPaid):
		return "Оплата ещё не поступила. Оплатите по ссылке и нажмите «Проверить оплату» ещё раз."
	case errors.Is(err, subscription.ErrNoPendingPayment):
		return "Платёж не найден. Выберите срок подписки через «Купить VPN»."
	case errors.Is(err, subscription.ErrPlanMismatch):
		return "Платёж был создан для другого тарифа. Выберите тариф заново через «Купить VPN»."
	case errors.Is(err, subscription.ErrUnknownPlan):
		return unknownPlan
	case errors.Is(err, subscription.ErrGatewayUnavailable):
		return "Платёжный сервис временно недоступен, попробуйте позже."
	case errors.Is(err, subscription.ErrProvisioning):
		return "Оплата получена, но выдать ключ не удалось. Свяжитесь с поддержкой: " + b.supportContact
	case errors.Is(err, subscription.ErrStaleDateFormat):
		return "Не удалось прочитать срок вашей подписки. Свяжитесь с поддержкой: " + b.supportContact
	}
	return "Что-то пошло не так. Свяжитесь с поддержкой: " + b.supportContact
}

func statusText(st subscription.Status) string {
	switch {
	case st.Active:
		return fmt.Sprintf("Ваша подписка активна до %s.\n\nВаш ключ доступа:\n\n<code>%s</code>",
			st.Expiry.Format(dateLayout), html.EscapeString(st.AccessKey))
	case !st.Expiry.IsZero():
		return lapsedText
	}
	return noSubText
}

func confirmationText(conf *subscription.Confirmation) string {
	head := fmt.Sprintf("Оплата прошла успешно! Подписка на %s активна до %s.", conf.Plan.Title, conf.Expiry.Format(dateLayout))
	if conf.AlreadyCredited {
		head = fmt.Sprintf("Этот платёж уже зачислен. Подписка активна до %s.", conf.Expiry.Format(dateLayout))
	}
	return head + "\n\nВаш ключ доступа:\n\n<code>" + html.EscapeString(conf.AccessKey) + "</code>"
}

func mainReplyKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(buyButton),
			tgbotapi.NewKeyboardButton(statusButton),
			tgbotapi.NewKeyboardButton(infoButton),
		),
	)
	kb.ResizeKeyboard = true
	return kb
}

func planKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, plan := range subscription.Plans() {
		label := fmt.Sprintf("VPN на %s - %s", plan.Title, plan.Price())
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, plan.ID)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func paymentKeyboard(plan subscription.RatePlan, url string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(fmt.Sprintf("Оплатить %s - %s", plan.Title, plan.Price()), url),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Проверить оплату за "+plan.Title, checkCallbackPrefix+plan.ID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Назад", backCallback),
		),
	)
}

func planTitles() []string {
	var titles []string
	for _, plan := range subscription.Plans() {
		titles = append(titles, plan.Title)
	}
	return titles
}

// throttle drops repeated button presses of one user within an interval.
type throttle struct {
	mu   sync.Mutex
	last map[int64]map[string]time.Time
	now  func() time.Time
}

func newThrottle() *throttle {
	return &throttle{last: make(map[int64]map[string]time.Time), now: time.Now}
}

func (t *throttle) canProceedKey(userID int64, key string, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.last[userID] == nil {
		t.last[userID] = make(map[string]time.Time)
	}
	if prev, ok := t.last[userID][key]; ok && now.Sub(prev) < interval {
		return false
	}
	t.last[userID][key] = now
	return true
}
