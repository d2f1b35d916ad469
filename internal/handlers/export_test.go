package handlers

// LiveConversations reports how many conversations are held in memory.
func (m Main) LiveConversations() int {
	return m.live.size()
}
