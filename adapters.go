package main

import (
	"context"
	"errors"
	"strconv"

	marzban "github.com/Asort97/marzbanBot/clients/marzban"
	yookassa "github.com/Asort97/marzbanBot/clients/yooKassa"
	"github.com/Asort97/marzbanBot/subscription"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// yooKassaGateway exposes the YooKassa client as a subscription.PaymentGateway.
type yooKassaGateway struct {
	client *yookassa.YooKassaClient
}

func (g yooKassaGateway) CreatePayment(ctx context.Context, req subscription.PaymentRequest) (subscription.PaymentIntent, error) {
	payment, err := g.client.CreateYooKassaPayment(ctx,
		req.Plan.Amount, subscription.Currency, req.Description, req.ReturnURL,
		map[string]string{
			"user_id": strconv.FormatInt(req.UserID, 10),
			"plan_id": req.Plan.ID,
		})
	if err != nil {
		return subscription.PaymentIntent{}, err
	}
	return subscription.PaymentIntent{Ref: payment.ID, CheckoutURL: payment.ConfirmationURL()}, nil
}

func (g yooKassaGateway) PaymentStatus(ctx context.Context, ref string) (subscription.PaymentState, error) {
	payment, err := g.client.GetYooKassaPayment(ctx, ref)
	if err != nil {
		return subscription.PaymentState{}, err
	}
	state := subscription.PaymentState{Ref: payment.ID, Status: payment.Status}
	if payment.Status == yookassa.StatusSucceeded {
		state.Status = subscription.PaymentSucceeded
	}
	if payment.Amount != nil {
		state.Amount = payment.Amount.Value
		state.Currency = payment.Amount.Currency
	}
	return state, nil
}

// marzbanProvisioner exposes the Marzban client as a subscription.Provisioner.
type marzbanProvisioner struct {
	client *marzban.MarzbanClient
}

func (p marzbanProvisioner) CreateAccount(ctx context.Context, name string) (subscription.Account, error) {
	user, err := p.client.CreateUser(ctx, name)
	if err != nil {
		return subscription.Account{}, mapMarzbanError(err)
	}
	return toAccount(user), nil
}

func (p marzbanProvisioner) GetAccount(ctx context.Context, name string) (subscription.Account, error) {
	user, err := p.client.GetUser(ctx, name)
	if err != nil {
		return subscription.Account{}, mapMarzbanError(err)
	}
	return toAccount(user), nil
}

func (p marzbanProvisioner) Disable(ctx context.Context, name string) error {
	return mapMarzbanError(p.client.DisableUser(ctx, name))
}

func (p marzbanProvisioner) Enable(ctx context.Context, name string) error {
	return mapMarzbanError(p.client.EnableUser(ctx, name))
}

func toAccount(user *marzban.User) subscription.Account {
	return subscription.Account{Name: user.Username, Status: user.Status, Links: user.Links}
}

func mapMarzbanError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, marzban.ErrUserNotFound):
		return errors.Join(subscription.ErrAccountNotFound, err)
	case errors.Is(err, marzban.ErrUserExists):
		return errors.Join(subscription.ErrAccountExists, err)
	}
	return err
}

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// chatNotifier tells users in their private chat that access was revoked.
// Telegram private chat ids equal user ids.
type chatNotifier struct {
	bot messageSender
}

func (n chatNotifier) NotifyExpired(_ context.Context, userID int64) error {
	msg := tgbotapi.NewMessage(userID, expiredText)
	msg.ReplyMarkup = mainReplyKeyboard()
	_, err := n.bot.Send(msg)
	return err
}
