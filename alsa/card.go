package alsa

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const procCards = "/proc/asound/cards"

// ErrBadName is returned for device names ParseName cannot resolve.
var ErrBadName = errors.New("alsa: invalid PCM name")

// SoundCardDevice is one PCM device of a card. A device with both
// directions is listed once per direction.
type SoundCardDevice struct {
	ID          int
	Name        string
	Description string
	IsPlayback  bool
}

func (d SoundCardDevice) String() string {
	direction := "Capture"
	if d.IsPlayback {
		direction = "Playback"
	}

	return fmt.Sprintf("  Device %d: %s (%s) [%s]", d.ID, d.Name, d.Description, direction)
}

// SoundCard is an enumerated sound card with its PCM devices.
type SoundCard struct {
	ID          int
	Name        string
	Description string
	Devices     []SoundCardDevice
}

func (c SoundCard) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Card %d: %s (%s)\n", c.ID, c.Name, c.Description)
	for _, dev := range c.Devices {
		sb.WriteString(dev.String() + "\n")
	}

	return sb.String()
}

var (
	cardRegex = regexp.MustCompile(`^\s*(\d+)\s+\[\s*([^]]*?)\s*\]:\s*(.*)`)
	// "02-00: Loopback PCM : Loopback PCM : playback 8 : capture 8"
	pcmRegex = regexp.MustCompile(`^(\d+)-(\d+): (.*?) :.*`)
)

// ParseCards builds the card list from the contents of /proc/asound/cards
// and /proc/asound/pcm. Cards are sorted by number.
func ParseCards(cardsContent, pcmContent string) []SoundCard {
	cardMap := make(map[int]*SoundCard)

	for line := range strings.Lines(cardsContent) {
		m := cardRegex.FindStringSubmatch(strings.TrimRight(line, "\n"))
		if len(m) != 4 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cardMap[id] = &SoundCard{
			ID:          id,
			Name:        strings.TrimSpace(m[2]),
			Description: strings.TrimSpace(m[3]),
		}
	}

	for line := range strings.Lines(pcmContent) {
		m := pcmRegex.FindStringSubmatch(strings.TrimRight(line, "\n"))
		if len(m) < 4 {
			continue
		}

		cardID, _ := strconv.Atoi(m[1])
		devID, _ := strconv.Atoi(m[2])

		card, ok := cardMap[cardID]
		if !ok {
			continue
		}

		description := strings.TrimSpace(m[3])
		if strings.Contains(line, "playback") {
			card.Devices = append(card.Devices, SoundCardDevice{
				ID:          devID,
				Name:        fmt.Sprintf("pcm%dp", devID),
				Description: description,
				IsPlayback:  true,
			})
		}
		if strings.Contains(line, "capture") {
			card.Devices = append(card.Devices, SoundCardDevice{
				ID:          devID,
				Name:        fmt.Sprintf("pcm%dc", devID),
				Description: description,
			})
		}
	}

	ids := make([]int, 0, len(cardMap))
	for id := range cardMap {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := make([]SoundCard, 0, len(ids))
	for _, id := range ids {
		result = append(result, *cardMap[id])
	}

	return result
}

// ParseName resolves a PCM name to a card and device number. Accepted forms
// are "default" (card 0, device 0), "hw:C", "hw:C,D", and "hw:ID,D" where
// ID is a card identifier such as "Loopback".
func ParseName(name string) (card, device uint, err error) {
	return parseName(name, lookupCard)
}

func parseName(name string, lookup func(id string) (int, error)) (card, device uint, err error) {
	if name == "default" || name == "hw" {
		return 0, 0, nil
	}

	rest, ok := strings.CutPrefix(name, "hw:")
	if !ok || rest == "" {
		return 0, 0, fmt.Errorf("%w %q: expected hw:CARD[,DEVICE]", ErrBadName, name)
	}

	cardPart, devPart, hasDev := strings.Cut(rest, ",")
	if hasDev {
		d, err := strconv.ParseUint(devPart, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("%w %q: invalid device number %q", ErrBadName, name, devPart)
		}
		device = uint(d)
	}

	if c, err := strconv.ParseUint(cardPart, 10, 32); err == nil {
		return uint(c), device, nil
	}

	id, err := lookup(cardPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w %q: %w", ErrBadName, name, err)
	}

	return uint(id), device, nil
}

func lookupCard(id string) (int, error) {
	content, err := os.ReadFile(procCards)
	if err != nil {
		return 0, fmt.Errorf("could not read %s: %w", procCards, err)
	}

	return findCard(ParseCards(string(content), ""), id)
}

func findCard(cards []SoundCard, id string) (int, error) {
	for _, c := range cards {
		if strings.EqualFold(c.Name, id) {
			return c.ID, nil
		}
	}

	return 0, fmt.Errorf("no card with id %q", id)
}
