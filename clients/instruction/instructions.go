package instruct

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Outline client download pages.
var downloads = []struct {
	title string
	url   string
}{
	{"💻 Windows", "https://getoutline.org/get-started/#step-3"},
	{"📱 Android", "https://play.google.com/store/apps/details?id=org.outline.android.client"},
	{"🍎 iOS", "https://apps.apple.com/app/outline-app/id1356177741"},
	{"🖥 macOS", "https://apps.apple.com/app/outline-secure-internet-access/id1356178125"},
}

const botSteps = `<b>Как пользоваться ботом?</b>
1. Запустите бота командой /start
2. Выберите <b>Купить VPN</b> в меню
3. Выберите срок подписки: %s
4. Бот пришлёт ссылку на оплату, нажмите <b>Оплатить</b>
5. После оплаты нажмите <b>Проверить оплату</b>
6. Бот выдаст вам <b>ключ доступа</b> к VPN`

const keySteps = `<b>Как воспользоваться ключом?</b>
1. Установите приложение Outline на ваше устройство
2. Откройте приложение и нажмите <b>Добавить сервер</b>
3. Вставьте ключ доступа в поле ввода
4. Сохраните настройки и подключитесь к серверу`

// InfoText is the "Инфо" answer. planTitles are listed in step 3.
func InfoText(planTitles []string) string {
	return fmt.Sprintf(botSteps, strings.Join(planTitles, ", ")) + "\n\n" + keySteps
}

func SupportText(contact string) string {
	return "В случае проблем пишите сюда: " + contact
}

func DownloadKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, d := range downloads {
		row = append(row, tgbotapi.NewInlineKeyboardButtonURL(d.title, d.url))
		// по 2 кнопки в строку
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// Messages builds the instruction followed by the support contact.
func Messages(chatID int64, planTitles []string, contact string) []tgbotapi.MessageConfig {
	info := tgbotapi.NewMessage(chatID, InfoText(planTitles))
	info.ParseMode = "HTML"
	info.DisableWebPagePreview = true
	info.ReplyMarkup = DownloadKeyboard()

	support := tgbotapi.NewMessage(chatID, SupportText(contact))
	return []tgbotapi.MessageConfig{info, support}
}
