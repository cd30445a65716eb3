package alsa

var ParseNameWith = parseName

var FindCard = findCard
