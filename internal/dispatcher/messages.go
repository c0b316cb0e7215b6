package dispatcher

// FormattingSuffix is appended to every advisor prompt so replies render
// in Telegram and fit one message
const FormattingSuffix = `

Правила оформления ответа:
- отвечай на языке собеседника;
- используй только простую разметку Telegram: *жирный* и _курсив_, без заголовков и таблиц;
- ответ должен быть не длиннее 3500 символов.`

const (
	msgMenu          = "🌟 Выбери Советника для общения: 🌟"
	msgSelectFirst   = "⚠️ Сначала выбери Советника через команду /start."
	msgSwitched      = "👋 Теперь ты общаешься с Советником: %s"
	msgWelcome       = "📜 %s"
	msgInfo          = "📜 Приветствие Советника %s:\n%s"
	msgNoInfo        = "Нет информации."
	msgDefaultHello  = "Рад встрече!"
	msgQuotaDenied   = "🚫 Бесплатный лимит сообщений исчерпан.\n\nЧтобы продолжить общение с Советниками, оформи тариф: напиши администратору бота."
	msgPolicyDenied  = "🔒 Базовый тариф включает не больше %d Советников, и они уже выбраны.\n\nВыбери одного из своих Советников или перейди на расширенный тариф."
	msgTryAgain      = "⚠️ Не удалось проверить доступ. Попробуй ещё раз через минуту."
	msgSlowDown      = "⏳ Советник получает слишком много вопросов. Подожди немного и попробуй снова."
	msgUpstreamError = "❌ Извини, произошла ошибка при обработке твоего вопроса. Попробуй позже."
)
