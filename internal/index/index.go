// Package index derives a viewer's conversation list from the message store.
//
// Compute builds the list from scratch. Advance and ApplyProfile are the
// per-counterpart steps live updates are made of, so an incrementally
// maintained list agrees with what Compute returns afterwards.
package index

import (
	"sort"

	"duet/internal/directory"
	"duet/internal/models"
)

// Compute returns the conversation list of viewerID.
// users is the whole directory, heads maps counterpart id to the newest
// message of the pair and unread maps counterpart id to the unread messages
// they sent. Deleted accounts are listed only when they share history with the viewer.
func Compute(viewerID string, users []models.User, heads map[string]models.Message, unread map[string]models.UnreadStat) []models.ConversationSummary {
	list := make([]models.ConversationSummary, 0, len(users))
	for _, u := range users {
		if u.ID == viewerID {
			continue
		}
		head, ok := heads[u.ID]
		if u.Deleted && !ok {
			continue
		}
		summary := models.ConversationSummary{
			User:            directory.Anonymize(u),
			LastMessageTime: u.CreatedAt,
			UnreadCount:     unread[u.ID].Count,
			FirstUnreadSeq:  unread[u.ID].FirstSeq,
		}
		if ok {
			Advance(&summary, Project(head))
		}
		list = append(list, summary)
	}
	Sort(list)
	return list
}

// Advance moves the preview of s to p when p is a newer message of the pair
// or a later version of the current one. It reports whether s changed.
func Advance(s *models.ConversationSummary, p *models.MessagePreview) bool {
	if head := s.LastMessage; head != nil {
		if p.Seq < head.Seq || (p.Seq == head.Seq && p.Version <= head.Version) {
			return false
		}
	}
	s.LastMessage = p
	s.LastMessageTime = p.CreatedAt
	return true
}

// ApplyProfile refreshes the public fields of s when update is about its
// counterpart. Deleted accounts keep their anonymized profile.
func ApplyProfile(s *models.ConversationSummary, update models.ProfileUpdate) bool {
	if s.ID != update.UserID || s.Deleted {
		return false
	}
	s.FullName = update.FullName
	s.ProfilePic = update.ProfilePic
	s.Description = update.Description
	return true
}

// Sort orders by last activity, newest first. Ties fall back to the newest
// message sequence and then to the user id.
func Sort(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return Less(list[i], list[j])
	})
}

// Less reports whether a is listed before b.
func Less(a, b models.ConversationSummary) bool {
	if a.LastMessageTime != b.LastMessageTime {
		return a.LastMessageTime > b.LastMessageTime
	}
	if sa, sb := seqOf(a), seqOf(b); sa != sb {
		return sa > sb
	}
	return a.ID < b.ID
}

// UnreadChats counts the conversations with at least one unread message.
func UnreadChats(list []models.ConversationSummary) int {
	n := 0
	for _, s := range list {
		if s.UnreadCount > 0 {
			n++
		}
	}
	return n
}

// Project returns the lightweight preview of m.
func Project(m models.Message) *models.MessagePreview {
	return &models.MessagePreview{
		ID:        m.ID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Text:      m.Text,
		HasImage:  m.Image != "",
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		Version:   m.Version,
	}
}

func seqOf(s models.ConversationSummary) int64 {
	if s.LastMessage == nil {
		return 0
	}
	return s.LastMessage.Seq
}
