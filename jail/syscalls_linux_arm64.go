package jail

var archAllowed = []string{}
