package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	marzban "github.com/Asort97/marzbanBot/clients/marzban"
	yookassa "github.com/Asort97/marzbanBot/clients/yooKassa"
	"github.com/Asort97/marzbanBot/subscription"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYooKassaGateway(t *testing.T) {
	var gotMetadata map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments", func(w http.ResponseWriter, r *http.Request) {
		var req yookassa.YooKassaPaymentRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			gotMetadata = req.Metadata
			assert.Equal(t, "250.00", req.Amount.Value)
			assert.Equal(t, "RUB", req.Amount.Currency)
		}
		_, _ = w.Write([]byte(`{"id":"pay-9","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.example/checkout"}}`))
	})
	mux.HandleFunc("GET /payments/pay-9", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pay-9","status":"succeeded","paid":true,"amount":{"value":"250.00","currency":"RUB"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := yooKassaGateway{client: yookassa.New("shop", "secret", yookassa.WithBaseURL(srv.URL))}
	plan, _ := subscription.PlanByID("3month")

	intent, err := gw.CreatePayment(context.Background(), subscription.PaymentRequest{UserID: 12, Plan: plan, Description: "d", ReturnURL: "https://t.me/bot"})
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentIntent{Ref: "pay-9", CheckoutURL: "https://yoomoney.example/checkout"}, intent)
	assert.Equal(t, map[string]string{"user_id": "12", "plan_id": "3month"}, gotMetadata)

	state, err := gw.PaymentStatus(context.Background(), "pay-9")
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentState{Ref: "pay-9", Status: subscription.PaymentSucceeded, Amount: "250.00", Currency: "RUB"}, state)
}

func TestMarzbanProvisionerMapsErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/admin/token", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer"}`))
	})
	mux.HandleFunc("GET /api/user/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "user_1" {
			http.Error(w, `{"detail":"User not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"username":"user_1","status":"active","links":["ss://abc"]}`))
	})
	mux.HandleFunc("POST /api/user", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"User already exists"}`, http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := marzbanProvisioner{client: marzban.New(srv.URL, "admin", "pw", srv.Client())}
	ctx := context.Background()

	acc, err := p.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.Account{Name: "user_1", Status: "active", Links: []string{"ss://abc"}}, acc)

	_, err = p.GetAccount(ctx, "user_2")
	assert.ErrorIs(t, err, subscription.ErrAccountNotFound)
	assert.ErrorIs(t, err, marzban.ErrUserNotFound)

	_, err = p.CreateAccount(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrAccountExists)

	assert.NoError(t, mapMarzbanError(nil))
	plain := errors.New("boom")
	assert.Equal(t, plain, mapMarzbanError(plain))
}

type recordingAPI struct {
	sent  []tgbotapi.Chattable
	acks  []tgbotapi.CallbackConfig
	fail  error
	msgID int
}

func (a *recordingAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if a.fail != nil {
		return tgbotapi.Message{}, a.fail
	}
	a.sent = append(a.sent, c)
	a.msgID++
	return tgbotapi.Message{MessageID: a.msgID}, nil
}

func (a *recordingAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		a.acks = append(a.acks, cb)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestChatNotifier(t *testing.T) {
	api := &recordingAPI{}
	require.NoError(t, chatNotifier{bot: api}.NotifyExpired(context.Background(), 77))

	require.Len(t, api.sent, 1)
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(77), msg.ChatID)
	assert.Equal(t, expiredText, msg.Text)

	api.fail = errors.New("Forbidden: bot was blocked by the user")
	assert.Error(t, chatNotifier{bot: api}.NotifyExpired(context.Background(), 77))
}
