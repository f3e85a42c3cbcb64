package domain

// SystemActorName отображается в истории для переходов без пользователя.
const SystemActorName = "system"

// Actor — инициатор изменения статуса. Нулевое значение означает систему.
type Actor struct {
	ID   string
	Name string
}

// SystemActor возвращает актора для системных переходов (webhook, воркеры).
func SystemActor() Actor {
	return Actor{}
}

// IsSystem сообщает, что переход инициирован не пользователем.
func (a Actor) IsSystem() bool {
	return a.ID == ""
}

// DisplayName возвращает имя для уведомлений и истории.
func (a Actor) DisplayName() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.ID != "":
		return a.ID
	default:
		return SystemActorName
	}
}
