package biz

import (
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
)

// Usecases contains all usecases
type Usecases struct {
	Config       *usecase.ConfigUsecase
	Conversation *usecase.ConversationUsecase
	Admin        *usecase.AdminUsecase
}

// NewUsecases wires the usecase layer. journal may be nil.
func NewUsecases(configRepo repo.ConfigRepo, journal repo.RevisionRepo, membershipRepo repo.MembershipRepo) *Usecases {
	configUC := usecase.NewConfigUsecase(configRepo, journal)
	return &Usecases{
		Config:       configUC,
		Conversation: usecase.NewConversationUsecase(),
		Admin:        usecase.NewAdminUsecase(configUC, membershipRepo),
	}
}
